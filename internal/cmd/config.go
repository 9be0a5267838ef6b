package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/config"
	"github.com/paveg/portpilot/internal/service"
)

// ErrConfigExists is returned by config init when the file is already there.
var ErrConfigExists = errors.New("configuration file already exists (use --force to overwrite)")

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long: `Inspect, validate and initialize the portpilot configuration file.

The file is selected with --config or PORTPILOT_CONFIG and defaults to
~/.portpilot/config.json. Global settings can be overridden with
PORTPILOT_* environment variables, for example PORTPILOT_LISTEN.`,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return outputFor(cmd).Render(map[string]string{"path": configPath()}, func(w io.Writer) {
			fmt.Fprintln(w, configPath())
		})
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize an example configuration",
	Long: `Write an example configuration with two services to the configuration
file path. An existing file is only replaced with --force.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}

		if err := exampleConfig().Save(path); err != nil {
			return fmt.Errorf("error creating configuration file: %w", err)
		}

		outputFor(cmd).PrintSuccess(fmt.Sprintf("Configuration file created: %s", path), map[string]string{"path": path})
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Display the configuration as portpilot sees it: file values, defaults and
environment overrides combined.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return outputFor(cmd).Render(cfg, func(w io.Writer) { printConfig(w, cfg) })
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration %s: %w", configPath(), err)
		}
		outputFor(cmd).PrintSuccess(
			fmt.Sprintf("Configuration is valid (%d services)", len(cfg.Services)),
			map[string]interface{}{"path": configPath(), "services": cfg.ServiceIDs()},
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPathCmd, configInitCmd, configShowCmd, configValidateCmd)

	configInitCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")
}

func exampleConfig() *config.Config {
	cfg := config.Default()
	cfg.Services = []service.Definition{
		{
			ID:       "web",
			Label:    "Web",
			Command:  "npm run dev",
			Env:      map[string]string{"NODE_ENV": "development"},
			Port:     3000,
			AutoOpen: true,
		},
		{
			ID:           "api",
			Label:        "API",
			Args:         []string{"go", "run", "."},
			Port:         8080,
			HealthChecks: []string{"http://localhost:8080/healthz"},
		},
	}
	return cfg
}

func printConfig(w io.Writer, cfg *config.Config) {
	settings := cfg.Settings()
	fmt.Fprintln(w, "Current Configuration:")
	fmt.Fprintf(w, "  Config file: %s\n", configPath())
	fmt.Fprintf(w, "  Listen: %s\n", cfg.Listen)
	fmt.Fprintf(w, "  Shell: %s\n", orDash(cfg.Shell))
	fmt.Fprintf(w, "  Log dir: %s\n", cfg.LogDir)
	fmt.Fprintf(w, "  Log level: %s\n", cfg.LogLevel)
	fmt.Fprintf(w, "  Health timeout: %s\n", settings.HealthTimeout)
	fmt.Fprintf(w, "  Health interval: %s\n", settings.HealthInterval)

	if len(cfg.Services) > 0 {
		fmt.Fprintln(w, "\nServices:")
		for i := range cfg.Services {
			def := &cfg.Services[i]
			fmt.Fprintf(w, "  %s:\n", def.ID)
			fmt.Fprintf(w, "    Command: %s\n", def.DisplayCommand())
			if ports := def.ConfiguredPorts(); len(ports) > 0 {
				fmt.Fprintf(w, "    Ports: %s\n", joinPorts(ports))
			}
		}
	}
}
