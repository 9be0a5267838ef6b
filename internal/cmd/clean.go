package cmd

import (
	"fmt"
	"io"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/supervisor"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Stop every service",
	Long: `Stop every service the supervisor can stop, managed or external.
Use with caution as this also terminates services portpilot did not start.

Examples:
  portpilot clean --dry-run
  portpilot clean`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		oh := outputFor(cmd)

		if dryRun {
			infos, err := client.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list services: %w", err)
			}
			targets := lo.Filter(infos, func(info supervisor.Info, _ int) bool {
				return info.CanStop || info.State.Active()
			})
			return oh.Render(targets, func(w io.Writer) {
				if len(targets) == 0 {
					fmt.Fprintln(w, "Nothing to stop")
					return
				}
				fmt.Fprintln(w, "Dry run mode - these services would be stopped:")
				for _, info := range targets {
					fmt.Fprintf(w, "  - %s (%s)\n", info.ID, info.State)
				}
			})
		}

		infos, err := client.StopAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to stop services: %w", err)
		}
		return oh.Render(infos, func(w io.Writer) {
			fmt.Fprintf(w, "Stopped %d service(s)\n", len(infos))
		})
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the configuration in the running supervisor",
	Long: `Ask the supervisor to re-read its configuration file. Services that were
removed are stopped; every remaining service is re-probed.

Examples:
  portpilot reload`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		result, err := client.Reload(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reload: %w", err)
		}
		outputFor(cmd).PrintSuccess(fmt.Sprintf("Configuration reloaded (%d services)", len(result.Services)), result)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd, reloadCmd)

	cleanCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be stopped")
}
