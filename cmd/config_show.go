package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/pacer/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Prints the configuration after defaults, the config file and PACER_ environment
variables have been merged. The database URL is never printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), cfg, configFileFrom(cmd.Context()))
		},
	})
	return configCmd
}

func writeConfig(out io.Writer, cfg config.Interface, source string) error {
	if source != "" {
		fmt.Fprintf(out, "# source: %s\n", source)
	}
	if cfg.Database().URL != "" {
		fmt.Fprintln(out, "# database.url is set (postgres)")
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}
