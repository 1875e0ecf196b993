package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/tokenrelay/pkg/config"
)

var (
	configServerPath string
	configWritePath  string
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective server configuration",
		Long:  "Print the configuration serve would run with, after defaults and environment overrides. With --write the result is saved as TOML.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfigOrDefault(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if configWritePath != "" {
				if err := config.Save(configWritePath, cfg); err != nil {
					return fmt.Errorf("save server config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configWritePath)
				return nil
			}
			redacted := *cfg
			if redacted.Upstream.APIKey != "" {
				redacted.Upstream.APIKey = "<redacted>"
			}
			b, err := config.MarshalTOML(&redacted)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	configCmd.Flags().StringVar(&configServerPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	configCmd.Flags().StringVar(&configWritePath, "write", "", "Save the effective config to this path instead of printing it")
	rootCmd.AddCommand(configCmd)
}
