package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix   = "TASKFARM"
	configFlag  = "config"
	defaultName = "config"
)

// BindCommandlineArguments registers the --config flag, which may be repeated to layer override files.
func BindCommandlineArguments(flags *pflag.FlagSet) {
	flags.StringSlice(configFlag, []string{}, "Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
}

// UserSpecifiedConfigs returns the override config files given on the command line.
func UserSpecifiedConfigs(flags *pflag.FlagSet) []string {
	configs, err := flags.GetStringSlice(configFlag)
	if err != nil {
		return nil
	}
	return configs
}

// LoadConfig reads config.yaml from defaultPath, merges each override file on top, applies
// TASKFARM_* environment overrides and decodes the result into config.
func LoadConfig(config any, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(defaultName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading default config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "merging config from %s", overrideConfig)
		}
		log.Infof("Read override config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}

// MustLoadConfig is LoadConfig for main packages: it exits the process on failure.
func MustLoadConfig(config any, defaultPath string, overrideConfigs []string) *viper.Viper {
	v, err := LoadConfig(config, defaultPath, overrideConfigs)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	return v
}
