package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name        string
		def         Definition
		expectedErr error
	}{
		{
			name: "valid_command",
			def:  Definition{ID: "web", Label: "Web", Command: "npm run dev", Port: 3000},
		},
		{
			name: "valid_args",
			def:  Definition{ID: "api", Label: "API", Args: []string{"go", "run", "."}},
		},
		{
			name:        "empty_id",
			def:         Definition{Label: "Web", Command: "npm run dev"},
			expectedErr: ErrEmptyID,
		},
		{
			name:        "empty_label",
			def:         Definition{ID: "web", Label: "  ", Command: "npm run dev"},
			expectedErr: ErrEmptyLabel,
		},
		{
			name:        "no_launch_target",
			def:         Definition{ID: "web", Label: "Web", Command: " ", Args: []string{""}},
			expectedErr: ErrNoLaunchTarget,
		},
		{
			name:        "port_out_of_range",
			def:         Definition{ID: "web", Label: "Web", Command: "x", Port: 70000},
			expectedErr: ErrInvalidPort,
		},
		{
			name:        "negative_port",
			def:         Definition{ID: "web", Label: "Web", Command: "x", Port: -1},
			expectedErr: ErrInvalidPort,
		},
		{
			name:        "health_check_without_scheme",
			def:         Definition{ID: "web", Label: "Web", Command: "x", HealthChecks: []string{"localhost:3000"}},
			expectedErr: ErrInvalidURL,
		},
		{
			name: "blank_urls_ignored",
			def:  Definition{ID: "web", Label: "Web", Command: "x", OpenURLs: []string{""}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDefinition_CommandPrecedence(t *testing.T) {
	def := Definition{Command: "npm start", Args: []string{"node", "server.js"}}
	assert.True(t, def.UsesShell())
	assert.Equal(t, "npm start", def.DisplayCommand())

	def.Command = "   "
	assert.False(t, def.UsesShell())
	assert.Equal(t, []string{"node", "server.js"}, def.LaunchArgs())
	assert.Equal(t, "node server.js", def.DisplayCommand())
}

func TestDefinition_DisplayCommandQuotesArgs(t *testing.T) {
	def := Definition{Args: []string{"echo", "hello world", ""}}
	assert.Equal(t, `echo "hello world" ""`, def.DisplayCommand())
}

func TestDefinition_EffectiveValues(t *testing.T) {
	tests := []struct {
		name           string
		def            Definition
		expectedHost   string
		expectedScheme string
		expectedHealth []string
		expectedOpen   []string
	}{
		{
			name:           "port_only_synthesizes_localhost",
			def:            Definition{Port: 8080},
			expectedHost:   "localhost",
			expectedScheme: "http",
			expectedHealth: []string{"http://localhost:8080"},
			expectedOpen:   []string{"http://localhost:8080"},
		},
		{
			name:           "nothing_configured",
			def:            Definition{},
			expectedHost:   "",
			expectedScheme: "http",
			expectedHealth: []string{},
			expectedOpen:   []string{},
		},
		{
			name:           "explicit_host_and_scheme",
			def:            Definition{Host: "127.0.0.1", Port: 8443, Scheme: "HTTPS"},
			expectedHost:   "127.0.0.1",
			expectedScheme: "https",
			expectedHealth: []string{"https://127.0.0.1:8443"},
			expectedOpen:   []string{"https://127.0.0.1:8443"},
		},
		{
			name: "scheme_from_open_url",
			def: Definition{
				Port:     5173,
				OpenURLs: []string{"https://localhost:5173/app"},
			},
			expectedHost:   "localhost",
			expectedScheme: "https",
			expectedHealth: []string{"https://localhost:5173"},
			expectedOpen:   []string{"https://localhost:5173/app"},
		},
		{
			name: "scheme_from_health_check",
			def: Definition{
				Port:         9000,
				HealthChecks: []string{"", "https://localhost:9000/health"},
			},
			expectedHost:   "localhost",
			expectedScheme: "https",
			expectedHealth: []string{"https://localhost:9000/health"},
			expectedOpen:   []string{"https://localhost:9000"},
		},
		{
			name:           "ipv6_host",
			def:            Definition{Host: "::1", Port: 4000},
			expectedHost:   "::1",
			expectedScheme: "http",
			expectedHealth: []string{"http://[::1]:4000"},
			expectedOpen:   []string{"http://[::1]:4000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedHost, tt.def.EffectiveHost())
			assert.Equal(t, tt.expectedScheme, tt.def.EffectiveScheme())
			assert.Equal(t, tt.expectedHealth, tt.def.EffectiveHealthChecks())
			assert.Equal(t, tt.expectedOpen, tt.def.EffectiveOpenURLs())
		})
	}
}

func TestDefinition_ConfiguredPorts(t *testing.T) {
	def := Definition{
		Port:         3000,
		HealthChecks: []string{"http://localhost:3000/health", "http://127.0.0.1:3001"},
		OpenURLs:     []string{"https://example.com:8443", "http://localhost/"},
	}
	assert.Equal(t, []int{3000, 3001}, def.ConfiguredPorts())

	remote := Definition{Host: "db.internal", Port: 5432}
	assert.Empty(t, remote.ConfiguredPorts())
}

func TestDefinition_HasStopCommand(t *testing.T) {
	assert.False(t, (&Definition{StopCommand: "  "}).HasStopCommand())
	assert.True(t, (&Definition{StopCommand: "docker compose down"}).HasStopCommand())
}
