package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOutputHandler(t *testing.T) {
	t.Run("json_output_enabled", func(t *testing.T) {
		handler := NewOutputHandler(true, io.Discard)
		assert.NotNil(t, handler)
		assert.True(t, handler.JSONOutput)
	})

	t.Run("json_output_disabled", func(t *testing.T) {
		handler := NewOutputHandler(false, io.Discard)
		assert.NotNil(t, handler)
		assert.False(t, handler.JSONOutput)
	})
}

func TestOutputHandler_PrintJSON(t *testing.T) {
	t.Run("json_output_enabled", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewOutputHandler(true, &buf)

		err := handler.PrintJSON(map[string]interface{}{"test": "data", "num": 42})
		require.NoError(t, err)

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
		assert.Equal(t, "data", result["test"])
		assert.InDelta(t, float64(42), result["num"], 0.001)
	})

	t.Run("json_output_disabled", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewOutputHandler(false, &buf)

		err := handler.PrintJSON(map[string]string{"test": "data"})
		require.ErrorIs(t, err, ErrNotInJSONMode)
		assert.Empty(t, buf.String())
	})

	t.Run("unmarshalable_data", func(t *testing.T) {
		handler := NewOutputHandler(true, io.Discard)
		err := handler.PrintJSON(map[string]interface{}{"ch": make(chan int)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error marshaling JSON")
	})
}

func TestOutputHandler_Render(t *testing.T) {
	data := map[string]int{"port": 3000}

	t.Run("json_mode_prints_data", func(t *testing.T) {
		var buf bytes.Buffer
		called := false
		err := NewOutputHandler(true, &buf).Render(data, func(io.Writer) { called = true })
		require.NoError(t, err)
		assert.False(t, called)
		assert.JSONEq(t, `{"port": 3000}`, buf.String())
	})

	t.Run("human_mode_calls_renderer", func(t *testing.T) {
		var buf bytes.Buffer
		err := NewOutputHandler(false, &buf).Render(data, func(w io.Writer) {
			_, _ = io.WriteString(w, "port 3000\n")
		})
		require.NoError(t, err)
		assert.Equal(t, "port 3000\n", buf.String())
	})
}

func TestOutputHandler_PrintError(t *testing.T) {
	tests := []struct {
		name     string
		json     bool
		msg      string
		err      error
		expected string
	}{
		{"human_with_error", false, "failed", errors.New("boom"), "Error: failed: boom\n"},
		{"human_without_error", false, "failed", nil, "Error: failed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewOutputHandler(tt.json, &buf).PrintError(tt.msg, tt.err)
			assert.Equal(t, tt.expected, buf.String())
		})
	}

	t.Run("json_with_details", func(t *testing.T) {
		var buf bytes.Buffer
		NewOutputHandler(true, &buf).PrintError("failed", errors.New("boom"))

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
		assert.Equal(t, true, result["error"])
		assert.Equal(t, "failed", result["message"])
		assert.Equal(t, "boom", result["details"])
	})
}

func TestOutputHandler_PrintSuccess(t *testing.T) {
	t.Run("human", func(t *testing.T) {
		var buf bytes.Buffer
		NewOutputHandler(false, &buf).PrintSuccess("done", map[string]int{"n": 1})
		assert.Equal(t, "done\n", buf.String())
	})

	t.Run("json_with_data", func(t *testing.T) {
		var buf bytes.Buffer
		NewOutputHandler(true, &buf).PrintSuccess("done", map[string]int{"n": 1})

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
		assert.Equal(t, true, result["success"])
		assert.Equal(t, "done", result["message"])
		assert.Equal(t, map[string]interface{}{"n": float64(1)}, result["data"])
	})
}

func TestValidateArgs(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectError bool
	}{
		{"exact", []string{"web"}, false},
		{"missing", []string{}, true},
		{"too_many", []string{"web", "api"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(nil, tt.args, 1, "portpilot start <id>")
			if !tt.expectError {
				require.NoError(t, err)
				return
			}
			var argErr ErrInsufficientArgs
			require.ErrorAs(t, err, &argErr)
			assert.Contains(t, err.Error(), "portpilot start <id>")
		})
	}
}

func TestJoinPorts(t *testing.T) {
	assert.Equal(t, "-", joinPorts(nil))
	assert.Equal(t, "3000", joinPorts([]int{3000}))
	assert.Equal(t, "3000,8080", joinPorts([]int{3000, 8080}))
}

func TestDaemonCommandsWithoutDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	for _, args := range [][]string{
		{"status"},
		{"start", "web"},
		{"info", "web"},
		{"clean"},
		{"reload"},
	} {
		t.Run(args[0], func(t *testing.T) {
			_, err := executeCommand(t, append(args, "--config", path)...)
			require.ErrorIs(t, err, ErrDaemonNotRunning)
		})
	}
}
