package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paveg/portpilot/internal/config"
)

const envPrefix = "PORTPILOT"

// Version is the release version, overridden at build time.
var Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "portpilot",
		Short: "Local service supervisor for development servers",
		Long: `Portpilot keeps a fixed list of local development services under control.
It launches each service in its own process group, confirms it through HTTP
health checks, notices services already running outside of it and stops
them again on request.

Run "portpilot up" to start the supervisor, then drive it with start, stop,
restart, status and logs.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if viper.GetBool("verbose") {
				fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", configPath())
			}
		},
	}
)

// Execute runs the root command
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.portpilot/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	for _, name := range []string{"config", "verbose", "json"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			fmt.Printf("Warning: failed to bind %s flag: %v\n", name, err)
		}
	}
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
}

// configPath returns the config file selected by --config, PORTPILOT_CONFIG
// or the default location.
func configPath() string {
	if path := viper.GetString("config"); path != "" {
		return path
	}
	return config.DefaultPath()
}

// outputJSON reports whether --json (or PORTPILOT_JSON) is set.
func outputJSON() bool {
	return viper.GetBool("json")
}
