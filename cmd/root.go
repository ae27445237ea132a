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

	"github.com/xkilldash9x/pacer/internal/config"
	"github.com/xkilldash9x/pacer/internal/observability"
)

type contextKey string

// configKey stores the validated configuration in the command context.
const configKey contextKey = "config"

// NewRootCommand builds a fresh command tree. Every call returns independent flag state,
// which keeps tests isolated from each other.
func NewRootCommand() *cobra.Command {
	return newRootCommand(NewStoreProvider())
}

func newRootCommand(provider StoreProvider) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "pacer",
		Short: "Pacer schedules account actions so their rhythm looks human.",
		Long: `Pacer scores content, keeps per account rate budgets, tracks account health and
dispatches queued actions with human-like delays. State is persisted between runs.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			// 1. Config file and environment
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// 2. Typed, validated configuration
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pacer"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// 3. Logger
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting pacer", zap.String("version", Version))

			// 4. Hand the config to subcommands.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newRankCmd())
	rootCmd.AddCommand(newStatusCmd(provider))
	rootCmd.AddCommand(newResetCmd(provider))
	rootCmd.AddCommand(newSimulateCmd(provider))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with ctx. Failures are logged and returned so main can
// pick the exit code.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command cancelled.")
		return err
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	observability.GetLogger().Debug("Command execution failed", zap.Error(err))
	return err
}

// initializeConfig reads the config file, if any, and binds PACER_ prefixed environment
// variables onto v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PACER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	} else {
		cmd.SetContext(withConfigFile(cmd.Context(), v.ConfigFileUsed()))
	}
	return nil
}

type configFileKey struct{}

func withConfigFile(ctx context.Context, path string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, configFileKey{}, path)
}

// configFileFrom returns the config file that was read, if any.
func configFileFrom(ctx context.Context) string {
	path, _ := ctx.Value(configFileKey{}).(string)
	return path
}

// getConfigFromContext retrieves the configuration stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
