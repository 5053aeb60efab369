package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func validateConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration and route catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(v)
			if err != nil {
				return err
			}

			enabled := 0
			for _, r := range cfg.Routes {
				if r.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d routes (%d enabled), %d merchants\n",
				len(cfg.Routes), enabled, len(cfg.Merchants))
			return nil
		},
	}
}
