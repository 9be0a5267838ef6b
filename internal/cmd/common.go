package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/paveg/portpilot/internal/api"
	"github.com/paveg/portpilot/internal/config"
	"github.com/paveg/portpilot/internal/service"
	"github.com/paveg/portpilot/internal/state"
)

// Common error definitions
var (
	ErrNotInJSONMode    = errors.New("not in JSON mode")
	ErrUnknownService   = errors.New("unknown service")
	ErrDaemonNotRunning = errors.New("portpilot is not running (start it with 'portpilot up')")
)

// Common variables used across multiple commands
var (
	jsonOutput bool
	verbose    bool
	cfgFile    string
	force      bool
	dryRun     bool
	showAll    bool
	tailLines  int
	follow     bool
	openAfter  bool
	listenAddr string
	noOpen     bool
	portRange  string
)

// OutputHandler provides common output formatting
type OutputHandler struct {
	JSONOutput bool
	Out        io.Writer
}

// NewOutputHandler creates a new output handler writing to out
func NewOutputHandler(jsonOutput bool, out io.Writer) *OutputHandler {
	return &OutputHandler{JSONOutput: jsonOutput, Out: out}
}

// outputFor returns the handler for cmd honouring the global --json flag.
func outputFor(cmd *cobra.Command) *OutputHandler {
	return NewOutputHandler(outputJSON(), cmd.OutOrStdout())
}

// PrintJSON outputs data as JSON or returns error
func (oh *OutputHandler) PrintJSON(data interface{}) error {
	if oh.JSONOutput {
		output, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling JSON: %w", err)
		}
		fmt.Fprintln(oh.Out, string(output))
		return nil
	}
	return ErrNotInJSONMode
}

// Render prints data as JSON in JSON mode and calls human otherwise.
func (oh *OutputHandler) Render(data interface{}, human func(w io.Writer)) error {
	if oh.JSONOutput {
		return oh.PrintJSON(data)
	}
	human(oh.Out)
	return nil
}

// PrintError prints error message consistently
func (oh *OutputHandler) PrintError(msg string, err error) {
	if oh.JSONOutput {
		errorData := map[string]interface{}{
			"error":   true,
			"message": msg,
		}
		if err != nil {
			errorData["details"] = err.Error()
		}
		_ = oh.PrintJSON(errorData) //nolint:errcheck // JSON marshal error in error handler should not cause panic
	} else {
		if err != nil {
			fmt.Fprintf(oh.Out, "Error: %s: %v\n", msg, err)
		} else {
			fmt.Fprintf(oh.Out, "Error: %s\n", msg)
		}
	}
}

// PrintSuccess prints success message consistently
func (oh *OutputHandler) PrintSuccess(msg string, data ...interface{}) {
	if oh.JSONOutput {
		result := map[string]interface{}{
			"success": true,
			"message": msg,
		}
		if len(data) > 0 {
			result["data"] = data[0]
		}
		_ = oh.PrintJSON(result) //nolint:errcheck // JSON marshal error in success handler should not cause panic
	} else {
		fmt.Fprintln(oh.Out, msg)
	}
}

// ErrInsufficientArgs represents argument validation error
type ErrInsufficientArgs struct {
	Required int
	Got      int
	Usage    string
}

func (e ErrInsufficientArgs) Error() string {
	return fmt.Sprintf("requires %d argument(s), got %d\nUsage: %s", e.Required, e.Got, e.Usage)
}

// ValidateArgs validates that exactly the required arguments are provided
func ValidateArgs(_ *cobra.Command, args []string, required int, usage string) error {
	if len(args) != required {
		return ErrInsufficientArgs{
			Required: required,
			Got:      len(args),
			Usage:    usage,
		}
	}
	return nil
}

// serviceArg is the Args validator of commands taking a single service id.
func serviceArg(usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return ValidateArgs(cmd, args, 1, usage)
	}
}

// loadConfig reads the selected config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// lookupService loads the config and returns the definition of id.
func lookupService(id string) (*config.Config, service.Definition, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, service.Definition{}, err
	}
	def, ok := cfg.Service(id)
	if !ok {
		return nil, service.Definition{}, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return cfg, def, nil
}

// stateDir is where the daemon keeps its runtime record for the selected
// config.
func stateDir() string {
	return filepath.Dir(configPath())
}

// daemonClient returns a client for the running daemon.
func daemonClient() (*api.Client, error) {
	store, err := state.NewJSONStore(state.DefaultPath(stateDir()))
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	d, err := store.LiveDaemon()
	if err != nil {
		if errors.Is(err, state.ErrDaemonNotRunning) {
			return nil, ErrDaemonNotRunning
		}
		return nil, fmt.Errorf("failed to read daemon record: %w", err)
	}
	return api.NewClient(d.Address), nil
}

// joinPorts renders ports as "3000,3001" or "-".
func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	return strings.Join(lo.Map(ports, func(p int, _ int) string {
		return strconv.Itoa(p)
	}), ",")
}

// orDash renders blank values as "-".
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
