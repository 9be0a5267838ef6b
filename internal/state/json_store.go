// Package state persists the runtime record of the portpilot daemon: where
// its control API listens and which service processes it manages.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/samber/lo"

	"github.com/paveg/portpilot/internal/process"
)

// Static error variables to satisfy err113 linter
var (
	ErrNoVersionInfo      = errors.New("state file has no version information")
	ErrUnsupportedVersion = errors.New("unsupported state file version")
	ErrServiceIDMismatch  = errors.New("service ID mismatch")
	ErrServiceNoPID       = errors.New("service record has no pid")
	ErrDaemonNotRunning   = errors.New("daemon is not running")
)

const stateVersion = "1.0"

// Daemon describes the running daemon.
type Daemon struct {
	PID        int       `json:"pid"`
	Address    string    `json:"address"`
	ConfigPath string    `json:"config_path"`
	StartedAt  time.Time `json:"started_at"`
}

// ServiceRecord is the last known process of a managed service.
type ServiceRecord struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateData represents the complete state stored in JSON
type StateData struct {
	Daemon   *Daemon                   `json:"daemon,omitempty"`
	Services map[string]*ServiceRecord `json:"services"`
	Metadata *Metadata                 `json:"metadata"`
}

// Metadata contains information about the state file
type Metadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JSONStore keeps StateData in a JSON file.
type JSONStore struct {
	mu       sync.Mutex
	filePath string
	data     *StateData
}

// DefaultPath returns the state file under dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, "state.json")
}

// NewJSONStore creates a new JSON-based state store
func NewJSONStore(filePath string) (*JSONStore, error) {
	store := &JSONStore{
		filePath: filePath,
		data:     emptyState(),
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// Load existing data if file exists
	if _, err := os.Stat(filePath); err == nil {
		if err := store.load(); err != nil {
			return nil, fmt.Errorf("failed to load existing state: %w", err)
		}
	}

	return store, nil
}

func emptyState() *StateData {
	now := time.Now()
	return &StateData{
		Services: make(map[string]*ServiceRecord),
		Metadata: &Metadata{
			Version:   stateVersion,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// SetDaemon records d as the running daemon. A nil d clears the record.
func (js *JSONStore) SetDaemon(d *Daemon) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	js.data.Daemon = d
	return js.save()
}

// Daemon returns the recorded daemon, or nil.
func (js *JSONStore) Daemon() *Daemon {
	js.mu.Lock()
	defer js.mu.Unlock()

	if js.data.Daemon == nil {
		return nil
	}
	d := *js.data.Daemon
	return &d
}

// LiveDaemon re-reads the file and returns the daemon record if its process
// is still alive.
func (js *JSONStore) LiveDaemon() (*Daemon, error) {
	js.mu.Lock()
	defer js.mu.Unlock()

	if _, err := os.Stat(js.filePath); err == nil {
		if err := js.load(); err != nil {
			return nil, err
		}
	}
	d := js.data.Daemon
	if d == nil || d.PID <= 0 || !process.IsAlive(d.PID) {
		return nil, ErrDaemonNotRunning
	}
	out := *d
	return &out, nil
}

// RecordService stores rec. A record without a pid removes the entry.
func (js *JSONStore) RecordService(rec ServiceRecord) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	if rec.PID <= 0 {
		if _, ok := js.data.Services[rec.ID]; !ok {
			return nil
		}
		delete(js.data.Services, rec.ID)
		return js.save()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	js.data.Services[rec.ID] = &rec
	return js.save()
}

// Services returns a copy of the service records.
func (js *JSONStore) Services() map[string]ServiceRecord {
	js.mu.Lock()
	defer js.mu.Unlock()

	return lo.MapValues(js.data.Services, func(rec *ServiceRecord, _ string) ServiceRecord {
		return *rec
	})
}

// Clear forgets the daemon and every service and removes the file.
func (js *JSONStore) Clear() error {
	js.mu.Lock()
	defer js.mu.Unlock()

	js.data = emptyState()
	if err := os.Remove(js.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// save persists data atomically. Callers hold js.mu.
func (js *JSONStore) save() error {
	js.data.Metadata.UpdatedAt = time.Now()

	// Marshal to JSON with indentation for readability
	data, err := json.MarshalIndent(js.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state data: %w", err)
	}

	if err := renameio.WriteFile(js.filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Load reads the state file
func (js *JSONStore) Load() (*StateData, error) {
	js.mu.Lock()
	defer js.mu.Unlock()

	if err := js.load(); err != nil {
		return nil, err
	}
	return js.data, nil
}

// load is the internal method to load data from file
func (js *JSONStore) load() error {
	data, err := os.ReadFile(js.filePath)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	loaded := &StateData{}
	if err := json.Unmarshal(data, loaded); err != nil {
		return fmt.Errorf("failed to unmarshal state data: %w", err)
	}
	if loaded.Metadata == nil || loaded.Metadata.Version == "" {
		return ErrNoVersionInfo
	}
	if loaded.Metadata.Version != stateVersion {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, loaded.Metadata.Version)
	}
	if loaded.Services == nil {
		loaded.Services = make(map[string]*ServiceRecord)
	}
	js.data = loaded
	return nil
}

// GetFilePath returns the file path being used
func (js *JSONStore) GetFilePath() string {
	return js.filePath
}

// GetMetadata returns the metadata about the state
func (js *JSONStore) GetMetadata() *Metadata {
	js.mu.Lock()
	defer js.mu.Unlock()

	m := *js.data.Metadata
	return &m
}

// ValidateState performs validation on the loaded state
func (js *JSONStore) ValidateState() error {
	js.mu.Lock()
	defer js.mu.Unlock()

	if js.data.Metadata == nil || js.data.Metadata.Version == "" {
		return ErrNoVersionInfo
	}

	for id, rec := range js.data.Services {
		if rec.ID != id {
			return fmt.Errorf("%w: key=%s, record.ID=%s", ErrServiceIDMismatch, id, rec.ID)
		}
		if rec.PID <= 0 {
			return fmt.Errorf("%w: %s", ErrServiceNoPID, id)
		}
	}
	return nil
}

// ForgetServices drops every service record and returns the dropped ids in
// sorted order. Nothing is signalled: a recorded pid may since belong to an
// unrelated process.
func (js *JSONStore) ForgetServices() ([]string, error) {
	js.mu.Lock()
	defer js.mu.Unlock()

	if len(js.data.Services) == 0 {
		return nil, nil
	}
	ids := lo.Keys(js.data.Services)
	sort.Strings(ids)
	js.data.Services = make(map[string]*ServiceRecord)
	return ids, js.save()
}
