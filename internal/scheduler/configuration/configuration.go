package configuration

import (
	"time"

	"github.com/rendercloud/taskfarm/internal/common/config"
	"github.com/rendercloud/taskfarm/internal/common/database"
	"github.com/rendercloud/taskfarm/internal/common/logging"
	"github.com/rendercloud/taskfarm/internal/scheduler/auth"
)

type Configuration struct {
	Logging logging.Config
	Http    HttpConfig
	// Database configuration. If Enabled is false all state is lost on restart.
	Postgres PostgresConfig
	// If set, worker reports are kept in redis; otherwise they are kept in memory.
	Redis      *config.RedisConfig
	Auth       auth.Config
	Scheduling SchedulingConfig
	Heartbeat  HeartbeatConfig
	Metrics    MetricsConfig
}

type HttpConfig struct {
	Port int `validate:"required"`
	// Origins allowed to call the api from a browser. Empty disables CORS handling.
	CorsAllowedOrigins []string
	// Maximum size of a request body.
	MaxRequestBytes int64 `validate:"required"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	Enabled bool
	database.PostgresConfig `mapstructure:",squash"`
	// How often committed changes are written to the database.
	FlushPeriod        time.Duration `validate:"required"`
	FlushRetryAttempts uint
	FlushRetryDelay    time.Duration
	// Archived jobs are removed this long after they were archived. Zero keeps them forever.
	PruneArchivedAfter time.Duration
}

type SchedulingConfig struct {
	// Maximum number of tasks a manager claims in one depsgraph poll. Zero means no limit beyond the
	// manager's worker limit.
	MaxTasksPerPoll int `validate:"gte=0"`
	// If set, queued tasks are also pushed to managers on this period rather than only claimed on poll.
	PushEnabled    bool
	DispatchPeriod time.Duration `validate:"required"`
	// How many lines of a task log are kept.
	TaskLogTailLines int `validate:"required,gt=0"`
}

type HeartbeatConfig struct {
	ExpiryThreshold time.Duration `validate:"required"`
	ManagerTimeout  time.Duration
	SweepPeriod     time.Duration `validate:"required"`
	// Worker reports kept for this long; only used with redis.
	WorkerReportTtl time.Duration
	// Number of managers whose worker reports are kept in memory when redis isn't configured.
	InMemoryManagers int `validate:"required"`
}

// Metrics are served at /metrics on the http port.
type MetricsConfig struct {
	// How often the state store is summarised into gauges.
	RefreshInterval time.Duration `validate:"required"`
}
