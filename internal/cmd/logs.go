package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/api"
	"github.com/paveg/portpilot/internal/logs"
)

const defaultTailLines = 100

var logsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print the last lines of a service log",
	Long: `Print the tail of the combined stdout/stderr log of a service.

The running supervisor is asked first; when it is not running the log file
is read directly from the configured log directory.

Examples:
  portpilot logs web
  portpilot logs web -n 20`,
	Args: serviceArg("portpilot logs <id>"),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&tailLines, "lines", "n", defaultTailLines, "number of lines to print")
}

func runLogs(cmd *cobra.Command, args []string) error {
	id := args[0]

	out, err := remoteLogs(cmd, id)
	if errors.Is(err, ErrDaemonNotRunning) {
		out, err = localLogs(id)
	}
	if err != nil {
		return err
	}

	return outputFor(cmd).Render(out, func(w io.Writer) {
		for _, line := range out.Lines {
			fmt.Fprintln(w, line)
		}
	})
}

func remoteLogs(cmd *cobra.Command, id string) (*api.Logs, error) {
	client, err := daemonClient()
	if err != nil {
		return nil, err
	}
	out, err := client.Logs(cmd.Context(), id, tailLines)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", id, err)
	}
	return out, nil
}

func localLogs(id string) (*api.Logs, error) {
	cfg, _, err := lookupService(id)
	if err != nil {
		return nil, err
	}
	sink := logs.NewSink(cfg.LogDir)
	tail, err := sink.Tail(id, tailLines)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", id, err)
	}
	return &api.Logs{ID: id, Path: sink.Path(id), Lines: tail}, nil
}
