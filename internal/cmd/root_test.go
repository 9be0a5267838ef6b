package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/portpilot/internal/config"
	"github.com/paveg/portpilot/internal/service"
)

// resetFlags restores every flag of c and its subcommands to its default so
// commands executed one after another do not leak state.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue) //nolint:errcheck // defaults always parse
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// executeCommand runs the root command with args and returns what it wrote
// to stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := Execute()
	return stdout.String(), err
}

// writeConfigFile saves a config holding defs in a fresh directory and
// returns its path.
func writeConfigFile(t *testing.T, defs ...service.Definition) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.Listen = "127.0.0.1:0"
	cfg.Services = defs
	path := filepath.Join(dir, "config.json")
	require.NoError(t, cfg.Save(path))
	return path
}

func TestExecute(t *testing.T) {
	t.Run("help_command_success", func(t *testing.T) {
		out, err := executeCommand(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "portpilot")
		assert.Contains(t, out, "Available Commands")
	})

	t.Run("version_command_success", func(t *testing.T) {
		out, err := executeCommand(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, Version)
	})

	t.Run("invalid_command_error", func(t *testing.T) {
		_, err := executeCommand(t, "invalid-command")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "command execution failed")
	})

	t.Run("missing_service_argument", func(t *testing.T) {
		_, err := executeCommand(t, "start")
		var argErr ErrInsufficientArgs
		require.ErrorAs(t, err, &argErr)
		assert.Equal(t, 1, argErr.Required)
		assert.Equal(t, 0, argErr.Got)
	})
}

func TestRootCommandStructure(t *testing.T) {
	t.Run("command_metadata", func(t *testing.T) {
		assert.Equal(t, "portpilot", rootCmd.Use)
		assert.NotEmpty(t, rootCmd.Short)
		assert.Contains(t, rootCmd.Long, "portpilot up")
		assert.Equal(t, Version, rootCmd.Version)
	})

	t.Run("persistent_flags", func(t *testing.T) {
		configFlag := rootCmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Empty(t, configFlag.DefValue)
		assert.Contains(t, configFlag.Usage, "config file")

		verboseFlag := rootCmd.PersistentFlags().Lookup("verbose")
		require.NotNil(t, verboseFlag)
		assert.Equal(t, "false", verboseFlag.DefValue)
		assert.Equal(t, verboseFlag, rootCmd.PersistentFlags().ShorthandLookup("v"))

		jsonFlag := rootCmd.PersistentFlags().Lookup("json")
		require.NotNil(t, jsonFlag)
		assert.Equal(t, "false", jsonFlag.DefValue)
	})

	t.Run("has_subcommands", func(t *testing.T) {
		names := make([]string, 0, len(rootCmd.Commands()))
		for _, c := range rootCmd.Commands() {
			names = append(names, c.Name())
		}

		expected := []string{
			"up", "start", "stop", "restart", "refresh", "status", "info", "logs",
			"health", "ports", "list", "check", "clean", "reload", "config",
		}
		for _, name := range expected {
			assert.Contains(t, names, name, "Missing expected command: %s", name)
		}
	})
}

func TestConfigPathSelection(t *testing.T) {
	t.Run("explicit_flag", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "custom.json")
		out, err := executeCommand(t, "config", "path", "--config", path)
		require.NoError(t, err)
		assert.Equal(t, path+"\n", out)
	})

	t.Run("environment_variable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "env.json")
		t.Setenv("PORTPILOT_CONFIG", path)

		out, err := executeCommand(t, "config", "path")
		require.NoError(t, err)
		assert.Equal(t, path+"\n", out)
	})

	t.Run("default_location", func(t *testing.T) {
		out, err := executeCommand(t, "config", "path")
		require.NoError(t, err)
		assert.Equal(t, config.DefaultPath()+"\n", out)
	})
}
