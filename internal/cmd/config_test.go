package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/portpilot/internal/config"
	"github.com/paveg/portpilot/internal/service"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	t.Run("creates_example", func(t *testing.T) {
		out, err := executeCommand(t, "config", "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration file created")

		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, []string{"web", "api"}, cfg.ServiceIDs())
	})

	t.Run("refuses_to_overwrite", func(t *testing.T) {
		_, err := executeCommand(t, "config", "init", "--config", path)
		require.ErrorIs(t, err, ErrConfigExists)
	})

	t.Run("force_overwrites", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"version": 1}`), 0o600))

		_, err := executeCommand(t, "config", "init", "--force", "--config", path)
		require.NoError(t, err)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Len(t, cfg.Services, 2)
	})
}

func TestConfigValidateCommand(t *testing.T) {
	t.Run("valid_config", func(t *testing.T) {
		path := writeConfigFile(t, service.Definition{ID: "web", Label: "Web", Command: "npm start"})

		out, err := executeCommand(t, "config", "validate", "--json", "--config", path)
		require.NoError(t, err)

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, true, result["success"])
		assert.Contains(t, result["message"], "1 services")
	})

	t.Run("duplicate_ids", func(t *testing.T) {
		path := writeConfigFile(t,
			service.Definition{ID: "web", Label: "A", Command: "true"},
			service.Definition{ID: "web", Label: "B", Command: "true"},
		)

		_, err := executeCommand(t, "config", "validate", "--config", path)
		require.ErrorIs(t, err, config.ErrDuplicateServiceID)
	})

	t.Run("malformed_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"services": [`), 0o600))

		_, err := executeCommand(t, "config", "validate", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load config")
	})
}

func TestConfigShow(t *testing.T) {
	path := writeConfigFile(t, service.Definition{ID: "web", Label: "Web", Command: "npm start", Port: 3000})

	t.Run("human", func(t *testing.T) {
		out, err := executeCommand(t, "config", "show", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Listen: 127.0.0.1:0")
		assert.Contains(t, out, "Health timeout: 30s")
		assert.Contains(t, out, "web:")
		assert.Contains(t, out, "Ports: 3000")
	})

	t.Run("json", func(t *testing.T) {
		out, err := executeCommand(t, "config", "show", "--json", "--config", path)
		require.NoError(t, err)

		var cfg config.Config
		require.NoError(t, json.Unmarshal([]byte(out), &cfg))
		assert.Equal(t, config.CurrentVersion, cfg.Version)
		require.Len(t, cfg.Services, 1)
		assert.Equal(t, "web", cfg.Services[0].ID)
	})
}
