package scheduler

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/rendercloud/taskfarm/internal/common/app"
	dbcommon "github.com/rendercloud/taskfarm/internal/common/database"
	"github.com/rendercloud/taskfarm/internal/common/farmcontext"
	"github.com/rendercloud/taskfarm/internal/common/health"
	"github.com/rendercloud/taskfarm/internal/common/serve"
	"github.com/rendercloud/taskfarm/internal/scheduler/auth"
	"github.com/rendercloud/taskfarm/internal/scheduler/compiler"
	schedulerconfig "github.com/rendercloud/taskfarm/internal/scheduler/configuration"
	"github.com/rendercloud/taskfarm/internal/scheduler/database"
	"github.com/rendercloud/taskfarm/internal/scheduler/heartbeat"
	"github.com/rendercloud/taskfarm/internal/scheduler/taskdb"
)

// Run sets up the scheduler application and blocks until it is shut down by a signal or one of its
// services fails.
func Run(config schedulerconfig.Configuration) error {
	ctx := farmcontext.New(app.CreateContextWithShutdown(), log.NewEntry(log.StandardLogger()))
	g, ctx := farmcontext.ErrGroup(ctx)
	realClock := clock.RealClock{}

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)

	db, err := taskdb.NewTaskDb(realClock)
	if err != nil {
		return errors.WithMessage(err, "error creating task database")
	}

	// ////////////////////////////////////////////////////////////////////////
	// Durability
	// ////////////////////////////////////////////////////////////////////////
	if config.Postgres.Enabled {
		log.Infof("Setting up database connections")
		pool, err := dbcommon.OpenPgxPool(ctx, config.Postgres.PostgresConfig)
		if err != nil {
			return errors.WithMessage(err, "Error opening connection to postgres")
		}
		defer pool.Close()
		repo := database.NewPostgresRepository(pool)

		snapshot, err := repo.Load(ctx)
		if err != nil {
			return errors.WithMessage(err, "error loading state from postgres")
		}
		if err := db.Restore(snapshot.Jobs, snapshot.Tasks, snapshot.Managers); err != nil {
			return errors.WithMessage(err, "error restoring state from postgres")
		}
		log.Infof("Restored %d jobs, %d tasks and %d managers", len(snapshot.Jobs), len(snapshot.Tasks), len(snapshot.Managers))

		persister := database.NewPersister(repo, realClock, database.PersisterConfig{
			FlushPeriod:     config.Postgres.FlushPeriod,
			RetryAttempts:   config.Postgres.FlushRetryAttempts,
			RetryDelay:      config.Postgres.FlushRetryDelay,
			ShutdownTimeout: config.Http.ShutdownTimeout,
		})
		db.SetChangeListener(persister.Listen)
		g.Go(func() error {
			return persister.Run(ctx)
		})
		healthChecks.Add(health.CheckerFunc(func() error {
			return pool.Ping(ctx)
		}))
	} else {
		log.Warn("Postgres is disabled; all state will be lost on restart")
	}

	// ////////////////////////////////////////////////////////////////////////
	// Worker reports
	// ////////////////////////////////////////////////////////////////////////
	var workers heartbeat.WorkerRepository
	if config.Redis != nil {
		redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
			}
		}()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "error connecting to redis")
		}
		workers = heartbeat.NewRedisWorkerRepository(redisClient, config.Heartbeat.WorkerReportTtl)
		healthChecks.Add(health.CheckerFunc(func() error {
			return redisClient.Ping(ctx).Err()
		}))
	} else {
		inMemory, err := heartbeat.NewInMemoryWorkerRepository(config.Heartbeat.InMemoryManagers)
		if err != nil {
			return errors.WithMessage(err, "error creating worker repository")
		}
		workers = inMemory
	}

	// ////////////////////////////////////////////////////////////////////////
	// Scheduler
	// ////////////////////////////////////////////////////////////////////////
	tokens := auth.NewTokenIssuer(config.Auth, realClock)
	jobScheduler := NewJobScheduler(db, compiler.DefaultRegistry(), workers, tokens, realClock, Config{
		MaxTasksPerPoll:    config.Scheduling.MaxTasksPerPoll,
		PushEnabled:        config.Scheduling.PushEnabled,
		DispatchPeriod:     config.Scheduling.DispatchPeriod,
		ManagerTimeout:     config.Heartbeat.ManagerTimeout,
		TaskLogTailLines:   config.Scheduling.TaskLogTailLines,
		PruneArchivedAfter: config.Postgres.PruneArchivedAfter,
		PrunePeriod:        config.Heartbeat.SweepPeriod,
		Heartbeat: heartbeat.Config{
			ExpiryThreshold: config.Heartbeat.ExpiryThreshold,
			ManagerTimeout:  config.Heartbeat.ManagerTimeout,
			SweepPeriod:     config.Heartbeat.SweepPeriod,
		},
	})
	g.Go(func() error {
		return jobScheduler.Run(ctx)
	})

	metricsCollector := NewMetricsCollector(db, realClock, config.Metrics.RefreshInterval)
	if err := metricsCollector.Refresh(); err != nil {
		return errors.WithMessage(err, "error computing initial metrics")
	}
	prometheus.MustRegister(metricsCollector)
	g.Go(func() error {
		return metricsCollector.Run(ctx)
	})

	// ////////////////////////////////////////////////////////////////////////
	// Http
	// ////////////////////////////////////////////////////////////////////////
	api := NewApi(jobScheduler, tokens, healthChecks, ApiConfig{
		CorsAllowedOrigins: config.Http.CorsAllowedOrigins,
		MaxRequestBytes:    config.Http.MaxRequestBytes,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Http.Port),
		Handler:      api.Router(),
		ReadTimeout:  config.Http.ReadTimeout,
		WriteTimeout: config.Http.WriteTimeout,
	}
	g.Go(func() error {
		return serve.ListenAndServe(ctx, server, config.Http.ShutdownTimeout)
	})

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}
