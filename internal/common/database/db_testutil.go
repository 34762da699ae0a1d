package database

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rendercloud/taskfarm/internal/common/util"
)

// TestPostgresEnvVar holds a libpq connection string for a server the tests may create databases on.
const TestPostgresEnvVar = "TASKFARM_TEST_POSTGRES"

// WithTestDb creates a throwaway database, migrates it and hands a pool to action. The test is skipped
// when TASKFARM_TEST_POSTGRES is unset.
func WithTestDb(t *testing.T, migrations []Migration, action func(db *pgxpool.Pool) error) error {
	connectionString, ok := os.LookupEnv(TestPostgresEnvVar)
	if !ok {
		t.Skipf("%s not set; skipping postgres test", TestPostgresEnvVar)
		return nil
	}
	ctx := context.Background()

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	if _, err := db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		_, err := db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			log.WithError(err).Warn("Failed to disconnect users")
		}
		if _, err := db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			log.WithError(err).Warn("Failed to drop database")
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}
	return action(testDbPool)
}
