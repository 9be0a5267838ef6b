package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/service"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured services",
	Long: `List the services defined in the configuration file. The supervisor does
not need to be running; use status for live state.

Examples:
  portpilot list
  portpilot list --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return outputFor(cmd).Render(cfg.Services, func(w io.Writer) {
			printServiceTable(w, cfg.Services)
		})
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func printServiceTable(w io.Writer, defs []service.Definition) {
	if len(defs) == 0 {
		fmt.Fprintln(w, "No services configured")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tPORTS\tCOMMAND")
	for i := range defs {
		def := &defs[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.ID, def.Label, joinPorts(def.ConfiguredPorts()), def.DisplayCommand())
	}
	_ = tw.Flush() //nolint:errcheck // writer errors surface on the next write
}
