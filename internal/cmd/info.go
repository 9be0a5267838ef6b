package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/supervisor"
)

var infoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show everything known about a service",
	Long: `Show the state, process, ports, URLs and log file of one service.

Examples:
  portpilot info web
  portpilot info web --json`,
	Args: serviceArg("portpilot info <id>"),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		info, err := client.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get %s: %w", args[0], err)
		}
		return outputFor(cmd).Render(info, func(w io.Writer) { printInfo(w, info) })
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func printInfo(w io.Writer, info *supervisor.Info) {
	field := func(name, value string) {
		fmt.Fprintf(w, "%-14s %s\n", name+":", orDash(value))
	}
	list := func(values []string) string {
		return strings.Join(values, ", ")
	}

	field("ID", info.ID)
	field("Label", info.Label)
	field("State", string(info.State))
	if info.PID > 0 {
		field("PID", fmt.Sprint(info.PID))
	}
	field("External", fmt.Sprint(info.External))
	field("Command", info.Command)
	field("Working dir", info.WorkingDir)
	field("Ports", joinPorts(info.Ports))
	field("Health checks", list(info.HealthChecks))
	field("Open URLs", list(info.OpenURLs))
	field("LAN URLs", list(info.LANURLs))
	field("Log", info.LogPath)
	if !info.StartedAt.IsZero() {
		field("Started", info.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	field("Can stop", fmt.Sprint(info.CanStop))
	if info.LastError != "" {
		field("Last error", info.LastError)
	}
}
