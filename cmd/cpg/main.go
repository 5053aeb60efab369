package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tuncanbit/cpg/pkg/config"
	"github.com/tuncanbit/cpg/pkg/logger"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CPG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "cpg",
		Short:         "Crypto payment gateway with multi-route failover",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultPath, "path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human-readable console logs")
	v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	v.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))

	rootCmd.AddCommand(serveCmd(v))
	rootCmd.AddCommand(routesCmd(v))
	rootCmd.AddCommand(validateConfigCmd(v))

	return rootCmd
}

// loadConfig reads the config file named by --config (or CPG_CONFIG) and
// applies the logging flags on top of it.
func loadConfig(v *viper.Viper) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if v.GetBool("pretty") {
		cfg.Log.Pretty = true
	}
	return cfg, logger.NewWithConfig(cfg.Log), nil
}
