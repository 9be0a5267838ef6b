package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/api"
	"github.com/paveg/portpilot/internal/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show the state of services",
	Long: `Show the state of every configured service, or of one service.

With --follow the command keeps running and prints every state change
reported by the supervisor.

Examples:
  portpilot status
  portpilot status web
  portpilot status --follow
  portpilot status --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream state changes after printing the status")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	oh := outputFor(cmd)

	if len(args) == 1 {
		info, err := client.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get %s: %w", args[0], err)
		}
		if err := oh.Render(info, func(w io.Writer) { printInfoLine(w, info) }); err != nil {
			return err
		}
	} else {
		infos, err := client.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list services: %w", err)
		}
		if err := oh.Render(infos, func(w io.Writer) { printStatusTable(w, infos) }); err != nil {
			return err
		}
	}

	if !follow {
		return nil
	}
	return followEvents(cmd, client, args)
}

func printStatusTable(w io.Writer, infos []supervisor.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No services configured")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPID\tPORTS\tURL")
	for i := range infos {
		info := &infos[i]
		pid := "-"
		switch {
		case info.PID > 0:
			pid = fmt.Sprint(info.PID)
		case info.External:
			pid = "external"
		}
		url := ""
		if len(info.OpenURLs) > 0 {
			url = info.OpenURLs[0]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", info.ID, info.State, pid, joinPorts(info.Ports), orDash(url))
	}
	_ = tw.Flush() //nolint:errcheck // writer errors surface on the next write
}

// followEvents prints state changes until the stream ends or the user
// interrupts. args optionally restricts output to one id.
func followEvents(cmd *cobra.Command, client *api.Client, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := client.Events(ctx)
	if err != nil {
		return fmt.Errorf("failed to follow events: %w", err)
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for ev := range events {
		if len(args) == 1 && ev.ID != args[0] {
			continue
		}
		if outputJSON() {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("error encoding event: %w", err)
			}
			continue
		}
		line := fmt.Sprintf("%s  %s  %s", ev.At.Local().Format(time.TimeOnly), ev.ID, ev.State)
		if ev.Error != "" {
			line += "  " + ev.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
