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

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes archived jobs and their tasks from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the prune will fail if it has not completed")
	cmd.Flags().Duration(
		"expireAfter",
		0,
		"Length of time after archiving that job data will be removed. Defaults to postgres.pruneArchivedAfter")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if expireAfter == 0 {
		expireAfter = config.Postgres.PruneArchivedAfter
	}
	if expireAfter <= 0 {
		return errors.New("no expiry configured; set --expireAfter or postgres.pruneArchivedAfter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	db, err := database.OpenPgxPool(ctx, config.Postgres.PostgresConfig)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer db.Close()

	pruned, err := schedulerdb.NewPostgresRepository(db).PruneArchived(ctx, time.Now().Add(-expireAfter))
	if err != nil {
		return err
	}
	log.Infof("Pruned %d archived jobs", pruned)
	return nil
}
