package cmd

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/portpilot/internal/api"
	"github.com/paveg/portpilot/internal/daemon"
	"github.com/paveg/portpilot/internal/logs"
	"github.com/paveg/portpilot/internal/service"
	"github.com/paveg/portpilot/internal/state"
	"github.com/paveg/portpilot/internal/supervisor"
)

// runDaemon serves the config at path until the test ends.
func runDaemon(t *testing.T, path string) {
	t.Helper()
	d, err := daemon.New(daemon.Options{ConfigPath: path, NoOpen: true, LockTimeout: 500 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	store, err := state.NewJSONStore(state.DefaultPath(filepath.Dir(path)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := store.LiveDaemon()
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func decodeInfo(t *testing.T, out string) supervisor.Info {
	t.Helper()
	var info supervisor.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	return info
}

func TestCommandsAgainstDaemon(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	path := writeConfigFile(t,
		service.Definition{ID: "sleeper", Label: "Sleeper", Args: []string{"sleep", "100"}},
		service.Definition{ID: "idle", Label: "Idle", Args: []string{"sleep", "100"}},
	)
	runDaemon(t, path)

	t.Run("status_lists_every_service", func(t *testing.T) {
		out, err := executeCommand(t, "status", "--json", "--config", path)
		require.NoError(t, err)

		var infos []supervisor.Info
		require.NoError(t, json.Unmarshal([]byte(out), &infos))
		require.Len(t, infos, 2)
		for _, info := range infos {
			assert.Equal(t, supervisor.Stopped, info.State, info.ID)
		}
	})

	t.Run("start", func(t *testing.T) {
		out, err := executeCommand(t, "start", "sleeper", "--json", "--config", path)
		require.NoError(t, err)
		info := decodeInfo(t, out)
		assert.Equal(t, supervisor.Running, info.State)
		assert.Positive(t, info.PID)
	})

	t.Run("status_single_human", func(t *testing.T) {
		out, err := executeCommand(t, "status", "sleeper", "--config", path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "sleeper: running (pid "), out)
	})

	t.Run("info_human", func(t *testing.T) {
		out, err := executeCommand(t, "info", "sleeper", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "PID:")
		assert.Contains(t, out, "Command:")
		assert.Contains(t, out, "sleep 100")
	})

	t.Run("clean_dry_run", func(t *testing.T) {
		out, err := executeCommand(t, "clean", "--dry-run", "--json", "--config", path)
		require.NoError(t, err)

		var infos []supervisor.Info
		require.NoError(t, json.Unmarshal([]byte(out), &infos))
		require.Len(t, infos, 1)
		assert.Equal(t, "sleeper", infos[0].ID)
	})

	t.Run("logs_path", func(t *testing.T) {
		out, err := executeCommand(t, "logs", "sleeper", "--json", "--config", path)
		require.NoError(t, err)

		var result api.Logs
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, filepath.Join(filepath.Dir(path), "logs", "sleeper.log"), result.Path)
	})

	t.Run("check_sees_daemon", func(t *testing.T) {
		out, err := executeCommand(t, "check", "--json", "--config", path)
		require.NoError(t, err)

		var result CheckResult
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.True(t, result.PortpilotRunning)
		require.Len(t, result.Services, 2)
		assert.Equal(t, supervisor.Running, result.Services[0].State)
	})

	t.Run("stop", func(t *testing.T) {
		out, err := executeCommand(t, "stop", "sleeper", "--json", "--config", path)
		require.NoError(t, err)
		assert.Equal(t, supervisor.Stopped, decodeInfo(t, out).State)
	})

	t.Run("reload", func(t *testing.T) {
		out, err := executeCommand(t, "reload", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration reloaded (2 services)")
	})

	t.Run("clean", func(t *testing.T) {
		_, err := executeCommand(t, "start", "idle", "--config", path)
		require.NoError(t, err)

		out, err := executeCommand(t, "clean", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Stopped")

		out, err = executeCommand(t, "status", "idle", "--json", "--config", path)
		require.NoError(t, err)
		assert.Equal(t, supervisor.Stopped, decodeInfo(t, out).State)
	})

	t.Run("unknown_service", func(t *testing.T) {
		_, err := executeCommand(t, "start", "missing", "--config", path)
		require.ErrorIs(t, err, api.ErrUnknownService)
	})
}

// replaySupervisor answers every service as running and replays a fixed
// list of events to each subscriber.
type replaySupervisor struct {
	events []supervisor.Event
}

func (r *replaySupervisor) Start(context.Context, service.Definition) error   { return nil }
func (r *replaySupervisor) Stop(context.Context, service.Definition) error    { return nil }
func (r *replaySupervisor) Restart(context.Context, service.Definition) error { return nil }

func (r *replaySupervisor) RefreshExternalState(context.Context, service.Definition, bool) {}

func (r *replaySupervisor) Info(_ context.Context, def service.Definition) supervisor.Info {
	return supervisor.Info{ID: def.ID, Label: def.Label, State: supervisor.Running, Ports: []int{}}
}

func (r *replaySupervisor) Subscribe() (<-chan supervisor.Event, func()) {
	ch := make(chan supervisor.Event, len(r.events))
	for _, ev := range r.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}
}

type staticCatalog []service.Definition

func (c staticCatalog) Services() []service.Definition { return c }

func (c staticCatalog) Service(id string) (service.Definition, bool) {
	for _, def := range c {
		if def.ID == id {
			return def, true
		}
	}
	return service.Definition{}, false
}

func (c staticCatalog) Reload(context.Context) error { return nil }

func TestStatusFollow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	sup := &replaySupervisor{events: []supervisor.Event{
		{ID: "web", State: supervisor.Starting, At: at},
		{ID: "api", State: supervisor.Stopped, Error: "exit status 1", At: at},
		{ID: "web", State: supervisor.Running, At: at},
	}}
	catalog := staticCatalog{{ID: "web", Label: "Web", Command: "npm start"}}
	srv := httptest.NewServer(api.NewRouter(sup, catalog, logs.NewSink(dir)))
	defer srv.Close()

	store, err := state.NewJSONStore(state.DefaultPath(dir))
	require.NoError(t, err)
	require.NoError(t, store.SetDaemon(&state.Daemon{
		PID:        os.Getpid(),
		Address:    strings.TrimPrefix(srv.URL, "http://"),
		ConfigPath: path,
		StartedAt:  time.Now(),
	}))

	t.Run("all_services", func(t *testing.T) {
		out, err := executeCommand(t, "status", "--follow", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "STATE")
		assert.Contains(t, out, "web  starting")
		assert.Contains(t, out, "api  stopped  exit status 1")
		assert.Contains(t, out, "web  running")
	})

	t.Run("one_service_json", func(t *testing.T) {
		out, err := executeCommand(t, "status", "web", "--follow", "--json", "--config", path)
		require.NoError(t, err)

		dec := json.NewDecoder(strings.NewReader(out))
		var info supervisor.Info
		require.NoError(t, dec.Decode(&info))
		assert.Equal(t, "web", info.ID)

		var states []supervisor.State
		for dec.More() {
			var ev supervisor.Event
			require.NoError(t, dec.Decode(&ev))
			assert.Equal(t, "web", ev.ID)
			states = append(states, ev.State)
		}
		assert.Equal(t, []supervisor.State{supervisor.Starting, supervisor.Running}, states)
	})
}
