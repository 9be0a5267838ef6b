package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/health"
)

// ErrUnhealthy is returned when at least one health check does not answer.
var ErrUnhealthy = errors.New("service is not healthy")

// HealthResult is the outcome of probing one URL.
type HealthResult struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
}

// HealthReport is the output of the health command.
type HealthReport struct {
	ID      string         `json:"id"`
	Healthy bool           `json:"healthy"`
	Checks  []HealthResult `json:"checks"`
}

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health <id>",
	Short: "Probe the health checks of a service once",
	Long: `Send one GET request to every health-check URL of a service and report
which ones answer. Any HTTP response counts as healthy. The supervisor does
not need to be running.

Examples:
  portpilot health web
  portpilot health api --json`,
	Args: serviceArg("portpilot health <id>"),
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 2*time.Second, "per-request timeout")
}

func runHealth(cmd *cobra.Command, args []string) error {
	_, def, err := lookupService(args[0])
	if err != nil {
		return err
	}

	prober := health.NewProber(health.WithRequestTimeout(healthTimeout))
	defer prober.Close()

	report := HealthReport{
		ID: def.ID,
		Checks: lo.Map(def.EffectiveHealthChecks(), func(url string, _ int) HealthResult {
			return HealthResult{URL: url, Healthy: prober.Check(cmd.Context(), []string{url})}
		}),
	}
	report.Healthy = lo.EveryBy(report.Checks, func(r HealthResult) bool { return r.Healthy })

	if err := outputFor(cmd).Render(report, func(w io.Writer) {
		if len(report.Checks) == 0 {
			fmt.Fprintf(w, "%s has no health checks\n", def.ID)
			return
		}
		for _, r := range report.Checks {
			mark := "ok  "
			if !r.Healthy {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "%s %s\n", mark, r.URL)
		}
	}); err != nil {
		return err
	}

	if !report.Healthy {
		return fmt.Errorf("%w: %s", ErrUnhealthy, def.ID)
	}
	return nil
}
