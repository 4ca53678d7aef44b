package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rewardcrawl/internal/config"
	"github.com/xkilldash9x/rewardcrawl/internal/observability"
)

const envPrefix = "REWARDCRAWL"

type configKey struct{}

// NewRootCommand builds the command tree. Each call returns a fresh tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "rewardcrawl",
		Short:         "rewardcrawl collects daily points on reward sites with a real browser.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "rewardcrawl"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "rewardcrawl"})
				return err
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Configuration loaded.",
				zap.String("version", Version),
				zap.String("config_file", v.ConfigFileUsed()),
				zap.Int("sites", len(cfg.Sites)),
			)
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newRunCmd(),
		newLoginCmd(),
		newScheduleCmd(),
		newCleanupCmd(),
		newSitesCmd(),
		newInspectCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree with ctx, which should be canceled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command failed.", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// initializeConfig reads the config file and environment into v. Flags that
// were set explicitly override both.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rewardcrawl")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		v.Set("logger.level", f.Value.String())
	}
	return nil
}

// configFrom returns the configuration loaded by the root command.
func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
