package database

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type PostgresConfig struct {
	// libpq connection keywords, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string `validate:"required"`
	// How many times to try connecting before giving up
	ConnectAttempts uint
}

// CreateConnectionString renders libpq keyword/value pairs. Keys are sorted so the output is stable.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

// OpenPgxPool connects to postgres, retrying while the database comes up.
func OpenPgxPool(ctx context.Context, config PostgresConfig) (*pgxpool.Pool, error) {
	attempts := config.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}
	var db *pgxpool.Pool
	err := retry.Do(
		func() error {
			pool, err := pgxpool.Connect(ctx, CreateConnectionString(config.Connection))
			if err != nil {
				return err
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return err
			}
			db = pool
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Postgres connection attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return db, nil
}
