package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type habibyteApp struct {
	baseCmd    *cobra.Command
	baseConfig *baseConfiguration
	nodeRunFn  nodeRunnable
}

// New creates a new Habibyte application
func New(logF LoggerFactory) *habibyteApp {
	baseCmd, baseConfig := newBaseCmd(logF)
	return &habibyteApp{baseCmd: baseCmd, baseConfig: baseConfig}
}

// Execute adds all child commands and runs the application
func (a *habibyteApp) Execute(ctx context.Context) (err error) {
	defer func() {
		if a.baseConfig.observe != nil {
			err = errors.Join(err, a.baseConfig.observe.Shutdown())
		}
	}()

	a.baseCmd.AddCommand(newNodeCmd(a.baseConfig, a.nodeRunFn))
	a.baseCmd.AddCommand(newKeysCmd(a.baseConfig))
	a.baseCmd.AddCommand(newTxCmd(a.baseConfig))
	return a.baseCmd.ExecuteContext(ctx)
}

func newBaseCmd(logF LoggerFactory) (*cobra.Command, *baseConfiguration) {
	config := &baseConfiguration{loggerBuilder: logF}
	// baseCmd represents the base command when called without any subcommands
	var baseCmd = &cobra.Command{
		Use:           "habibyte",
		Short:         "The Habibyte identity registry node",
		Long:          `The Habibyte CLI runs the permissioned identity registry node, manages node keys and submits registry transactions.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// If subcommand does not define PersistentPreRunE, the one from base cmd is used.
			if err := initializeConfig(cmd, config); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}
	config.addConfigurationFlags(baseCmd)

	return baseCmd, config
}

func initializeConfig(cmd *cobra.Command, config *baseConfiguration) error {
	var errs []error

	if err := config.initializeConfig(cmd); err != nil {
		errs = append(errs, fmt.Errorf("reading configuration: %w", err))
	}

	log, err := config.initLogger(cmd)
	if err != nil {
		errs = append(errs, fmt.Errorf("initializing logger: %w", err))
		return errors.Join(errs...)
	}

	obs, err := newObservability(config.Metrics, config.Tracing, log)
	if err != nil {
		errs = append(errs, fmt.Errorf("initializing observability: %w", err))
	}
	config.observe = obs

	return errors.Join(errs...)
}

// initializeConfig reads in config file and ENV variables if set.
func (config *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	v := viper.New()

	config.initConfigFileLocation()

	if config.configFileExists() {
		v.SetConfigFile(config.CfgFile)
		v.SetConfigType("props")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", config.CfgFile, err)
		}
	}

	// flag like --block-interval binds to an environment variable HB_BLOCK_INTERVAL
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	return nil
}

// Bind each cobra flag to its associated viper configuration (config file and environment variable)
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindFlagErr []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == keyHome || f.Name == keyConfig {
			// "home" and "config" are special configuration values, handled separately.
			return
		}

		// Environment variables can't have dashes in them, so bind them to their equivalent
		// keys with underscores, e.g. --block-interval to HB_BLOCK_INTERVAL
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("binding env to flag %q: %w", f.Name, err))
				return
			}
		}

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			if err := setFlagValue(cmd.Flags(), f, v.Get(f.Name)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("setting flag %q value: %w", f.Name, err))
				return
			}
		}
	})

	return errors.Join(bindFlagErr...)
}

/*
setFlagValue assigns config value to the flag. Slice values coming from the
environment are comma separated strings, the ones from the config file
might be lists.
*/
func setFlagValue(flags *pflag.FlagSet, f *pflag.Flag, val any) error {
	if list, ok := val.([]any); ok {
		items := make([]string, len(list))
		for i, item := range list {
			items[i] = fmt.Sprintf("%v", item)
		}
		val = strings.Join(items, ",")
	}
	return flags.Set(f.Name, fmt.Sprintf("%v", val))
}
