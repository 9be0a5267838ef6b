package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/api"
	"github.com/paveg/portpilot/internal/supervisor"
)

type serviceAction func(ctx context.Context, client *api.Client, id string) (*supervisor.Info, error)

var (
	startCmd = newActionCommand("start", "Start a service",
		`Start a configured service through the running supervisor.

If the service is already active nothing happens. Without health checks the
service is running as soon as its process is launched; otherwise it stays
starting until every health check answers.

Examples:
  portpilot start web
  portpilot start web --json`,
		func(ctx context.Context, c *api.Client, id string) (*supervisor.Info, error) {
			return c.Start(ctx, id) //nolint:wrapcheck // client errors carry the status
		})

	stopCmd = newActionCommand("stop", "Stop a service",
		`Stop a service: its stop command runs, its process group is terminated and
anything still listening on its configured ports is killed.

Examples:
  portpilot stop web`,
		func(ctx context.Context, c *api.Client, id string) (*supervisor.Info, error) {
			return c.Stop(ctx, id) //nolint:wrapcheck // client errors carry the status
		})

	restartCmd = newActionCommand("restart", "Restart a service",
		`Stop a service, wait briefly and start it again.

Examples:
  portpilot restart api`,
		func(ctx context.Context, c *api.Client, id string) (*supervisor.Info, error) {
			return c.Restart(ctx, id) //nolint:wrapcheck // client errors carry the status
		})

	refreshCmd = newActionCommand("refresh", "Re-probe a service that is not managed",
		`Probe the health checks of a service portpilot did not launch and track it
as running when they answer.

Examples:
  portpilot refresh web --open`,
		func(ctx context.Context, c *api.Client, id string) (*supervisor.Info, error) {
			return c.Refresh(ctx, id, openAfter) //nolint:wrapcheck // client errors carry the status
		})
)

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, refreshCmd)

	refreshCmd.Flags().BoolVar(&openAfter, "open", false, "open the service URLs when it becomes healthy")
}

func newActionCommand(name, short, long string, action serviceAction) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Long:  long,
		Args:  serviceArg("portpilot " + name + " <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if err != nil {
				return err
			}
			info, err := action(cmd.Context(), client, args[0])
			if err != nil {
				return fmt.Errorf("failed to %s %s: %w", name, args[0], err)
			}
			return outputFor(cmd).Render(info, func(w io.Writer) {
				printInfoLine(w, info)
			})
		},
	}
}

// printInfoLine renders one service as "id: state (pid N)".
func printInfoLine(w io.Writer, info *supervisor.Info) {
	line := fmt.Sprintf("%s: %s", info.ID, info.State)
	switch {
	case info.PID > 0:
		line += fmt.Sprintf(" (pid %d)", info.PID)
	case info.External:
		line += " (external)"
	}
	fmt.Fprintln(w, line)
	if info.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", info.LastError)
	}
}
