package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/paveg/portpilot/internal/daemon"
	"github.com/paveg/portpilot/internal/logger"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Run the supervisor in the foreground",
	Long: `Run the supervisor and its control API until interrupted.

Services marked startAtLogin are started, every other service is checked for
an instance already running outside of portpilot. On SIGINT or SIGTERM every
managed service is stopped before exiting.

Examples:
  portpilot up
  portpilot up --listen 127.0.0.1:9000 --no-open`,
	Args: cobra.NoArgs,
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)

	upCmd.Flags().StringVar(&listenAddr, "listen", "", "control API address (overrides the config)")
	upCmd.Flags().BoolVar(&noOpen, "no-open", false, "never open service URLs in the browser")
}

func runUp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{
		Level:       cfg.LogLevel,
		Verbose:     viper.GetBool("verbose"),
		Development: !outputJSON(),
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }() //nolint:errcheck // stderr sync fails on terminals

	d, err := daemon.New(daemon.Options{
		ConfigPath: configPath(),
		Listen:     listenAddr,
		Logger:     log,
		NoOpen:     noOpen,
	})
	if err != nil {
		return err //nolint:wrapcheck // daemon errors carry their own context
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("portpilot starting", zap.String("config", configPath()), zap.Int("services", len(cfg.Services)))
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}
