package cmd

import (
	"github.com/spf13/cobra"

	commonconfig "github.com/rendercloud/taskfarm/internal/common/config"
	"github.com/rendercloud/taskfarm/internal/scheduler/configuration"
)

const defaultConfigPath = "./config/scheduler"

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "Schedules render tasks onto farm managers",
	}

	commonconfig.BindCommandlineArguments(cmd.PersistentFlags())

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command) (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := commonconfig.UserSpecifiedConfigs(cmd.Flags())

	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
