package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

const (
	FormatText = "text"
	FormatJson = "json"

	logLevelEnvVar = "TASKFARM_LOG_LEVEL"
)

// Config controls the global logrus logger.
type Config struct {
	// Log level, e.g. info, debug. Overridden by TASKFARM_LOG_LEVEL when set.
	Level string
	// Either text or json
	Format string
	// Export a per-level line counter to prometheus.
	PrometheusHook bool
}

// ConfigureLogging sets up the standard logrus logger used across the scheduler.
func ConfigureLogging(config Config) error {
	level := config.Level
	if envLevel, ok := os.LookupEnv(logLevelEnvVar); ok {
		level = envLevel
	}
	if level == "" {
		level = "info"
	}
	parsedLevel, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(parsedLevel)

	switch strings.ToLower(config.Format) {
	case "", FormatText:
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case FormatJson:
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", config.Format)
	}
	log.SetOutput(os.Stdout)

	if config.PrometheusHook {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return errors.WithStack(err)
		}
		log.AddHook(hook)
	}
	return nil
}

// ConfigureCliLogging is used by short-lived commands which should not export metrics.
func ConfigureCliLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
}
