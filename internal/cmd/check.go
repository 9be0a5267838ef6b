// Package cmd implements the portpilot command line: the daemon entry point
// and the commands that drive it through its control API.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/port"
	"github.com/paveg/portpilot/internal/service"
	"github.com/paveg/portpilot/internal/supervisor"
)

// ErrCheckFailed is returned when the config is invalid.
var ErrCheckFailed = errors.New("check failed")

// PortCheck is the availability of one configured port.
type PortCheck struct {
	Port        int    `json:"port"`
	InUse       bool   `json:"in_use"`
	PID         int    `json:"pid,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	NextFree    int    `json:"next_free,omitempty"`
}

// ServiceCheck is the check result of one service.
type ServiceCheck struct {
	ID    string           `json:"id"`
	State supervisor.State `json:"state,omitempty"`
	Ports []PortCheck      `json:"ports"`
}

// CheckResult is the output of the check command.
type CheckResult struct {
	Timestamp        time.Time      `json:"timestamp"`
	ConfigPath       string         `json:"config_path"`
	ConfigValid      bool           `json:"config_valid"`
	ConfigError      string         `json:"config_error,omitempty"`
	PortpilotRunning bool           `json:"portpilot_running"`
	Services         []ServiceCheck `json:"services"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Quick status check (AI-friendly)",
	Long: `Validate the configuration and report, for every service, whether its
configured ports are free and which process holds them otherwise.

The output is designed to be easily parsable by AI development tools and
scripts: use --json before starting a dev server to learn whether one is
already running.

Examples:
  portpilot check
  portpilot check --json`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	result := CheckResult{
		Timestamp:  time.Now().UTC(),
		ConfigPath: configPath(),
		Services:   []ServiceCheck{},
	}

	cfg, err := loadConfig()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		result.ConfigError = err.Error()
	} else {
		result.ConfigValid = true
	}

	states := map[string]supervisor.State{}
	if client, err := daemonClient(); err == nil {
		if infos, err := client.List(cmd.Context()); err == nil {
			result.PortpilotRunning = true
			for _, info := range infos {
				states[info.ID] = info.State
			}
		}
	}

	if cfg != nil {
		scanner := port.NewScanner(portLookupTimeout, nil)
		result.Services = lo.Map(cfg.Services, func(def service.Definition, _ int) ServiceCheck {
			return ServiceCheck{
				ID:    def.ID,
				State: states[def.ID],
				Ports: checkPorts(cmd, scanner, def.ConfiguredPorts()),
			}
		})
	}

	if err := outputFor(cmd).Render(result, func(w io.Writer) { printCheck(w, &result) }); err != nil {
		return err
	}
	if !result.ConfigValid {
		return fmt.Errorf("%w: %s", ErrCheckFailed, result.ConfigError)
	}
	return nil
}

func checkPorts(cmd *cobra.Command, scanner *port.Scanner, ports []int) []PortCheck {
	return lo.Map(ports, func(p int, _ int) PortCheck {
		info := scanner.GetPortInfo(cmd.Context(), p)
		check := PortCheck{Port: p, InUse: info.InUse}
		if !info.InUse {
			return check
		}
		if info.PID > 0 {
			check.PID = info.PID
			check.ProcessName = info.ProcessName
		}
		if free, err := scanner.FindAvailablePort(p + 1); err == nil {
			check.NextFree = free
		}
		return check
	})
}

func printCheck(w io.Writer, result *CheckResult) {
	fmt.Fprintln(w, "Portpilot Status:")
	fmt.Fprintf(w, "  Config: %s\n", result.ConfigPath)
	if result.ConfigValid {
		fmt.Fprintln(w, "  Config valid: yes")
	} else {
		fmt.Fprintf(w, "  Config valid: no (%s)\n", result.ConfigError)
	}
	fmt.Fprintf(w, "  Supervisor running: %t\n", result.PortpilotRunning)

	for _, svc := range result.Services {
		state := ""
		if svc.State != "" {
			state = fmt.Sprintf(" [%s]", svc.State)
		}
		fmt.Fprintf(w, "  %s%s\n", svc.ID, state)
		if len(svc.Ports) == 0 {
			fmt.Fprintln(w, "    no configured ports")
		}
		for _, p := range svc.Ports {
			switch {
			case !p.InUse:
				fmt.Fprintf(w, "    Port %d: AVAILABLE\n", p.Port)
			case p.PID > 0:
				fmt.Fprintf(w, "    Port %d: IN USE by %s (pid %d), next free %d\n", p.Port, orDash(p.ProcessName), p.PID, p.NextFree)
			default:
				fmt.Fprintf(w, "    Port %d: IN USE, next free %d\n", p.Port, p.NextFree)
			}
		}
	}
}
