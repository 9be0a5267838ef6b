package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/port"
)

const portLookupTimeout = 5 * time.Second

var findFrom int

var portsCmd = &cobra.Command{
	Use:   "ports [id]",
	Short: "Show which processes listen on service ports",
	Long: `Show the listeners on the configured ports of a service, or on a port range.

Without an id the range given by --range is scanned and only ports in use are
listed unless --all is set. --find prints the first free port at or above
the given port.

Examples:
  portpilot ports web
  portpilot ports --range 3000-3010
  portpilot ports --range 8080 --all --json
  portpilot ports --find 3000`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)

	portsCmd.Flags().StringVar(&portRange, "range", "3000-3010", "port or port range to scan")
	portsCmd.Flags().BoolVarP(&showAll, "all", "a", false, "include free ports")
	portsCmd.Flags().IntVar(&findFrom, "find", 0, "print the first free port starting at this port")
}

func runPorts(cmd *cobra.Command, args []string) error {
	scanner := port.NewScanner(portLookupTimeout, nil)
	oh := outputFor(cmd)

	if findFrom > 0 {
		free, err := scanner.FindAvailablePort(findFrom)
		if err != nil {
			return fmt.Errorf("failed to find a free port: %w", err)
		}
		return oh.Render(map[string]int{"port": free}, func(w io.Writer) {
			fmt.Fprintln(w, free)
		})
	}

	var infos []port.Info
	if len(args) == 1 {
		_, def, err := lookupService(args[0])
		if err != nil {
			return err
		}
		infos = lo.Map(def.ConfiguredPorts(), func(p int, _ int) port.Info {
			info := scanner.GetPortInfo(cmd.Context(), p)
			info.Service = def.ID
			return *info
		})
	} else {
		start, end, err := scanner.ParsePortRange(portRange)
		if err != nil {
			return fmt.Errorf("failed to parse range: %w", err)
		}
		infos, err = scanner.ScanRange(cmd.Context(), start, end)
		if err != nil {
			return fmt.Errorf("failed to scan ports: %w", err)
		}
		if !showAll {
			infos = lo.Filter(infos, func(info port.Info, _ int) bool { return info.InUse })
		}
	}

	return oh.Render(infos, func(w io.Writer) { printPortTable(w, infos) })
}

func printPortTable(w io.Writer, infos []port.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No ports to show")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tSTATUS\tPID\tPROCESS")
	for _, info := range infos {
		status, pid := "free", "-"
		if info.InUse {
			status = "in use"
			if info.PID > 0 {
				pid = fmt.Sprint(info.PID)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", info.Port, status, pid, orDash(info.ProcessName))
	}
	_ = tw.Flush() //nolint:errcheck // writer errors surface on the next write
}
