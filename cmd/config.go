package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grokgate/grokgate/pkg/config"
)

var configShowPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect server configuration",
	}
	configCmd.PersistentFlags().StringVar(&configShowPath, "config", config.DefaultConfigPath(), "Server config TOML path")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the normalized server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configShowPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					cfg = config.NewDefaultServerConfig()
					cfg.Normalize()
				} else {
					return fmt.Errorf("load server config: %w", err)
				}
			}
			b, err := cfg.MarshalTOML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	configCmd.AddCommand(showCmd)
	rootCmd.AddCommand(configCmd)
}
