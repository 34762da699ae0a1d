package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rendercloud/taskfarm/internal/common/database"
	schedulerdb "github.com/rendercloud/taskfarm/internal/scheduler/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the scheduler database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning scheduler database migration")
	ctx := context.Background()
	db, err := database.OpenPgxPool(ctx, config.Postgres.PostgresConfig)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer db.Close()
	err = schedulerdb.Migrate(ctx, db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate scheduler database")
	}
	log.Infof("Scheduler database migrated in %s", time.Since(start))
	return nil
}
