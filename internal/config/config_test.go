// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:9090"

database:
  path: "./relay.db"

auth:
  jwt_secret: "super-secret"

agents:
  heartbeat_timeout: "60s"
  ping_interval: "20s"
  reconnect_delay: "1s"

api:
  dedupe_ttl: "2m"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if cfg.Database.Path != "./relay.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./relay.db")
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "super-secret")
	}
	if cfg.Agents.HeartbeatTimeout != 60*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want %v", cfg.Agents.HeartbeatTimeout, 60*time.Second)
	}
	if cfg.Agents.PingInterval != 20*time.Second {
		t.Errorf("Agents.PingInterval = %v, want %v", cfg.Agents.PingInterval, 20*time.Second)
	}
	if cfg.Agents.ReconnectDelay != time.Second {
		t.Errorf("Agents.ReconnectDelay = %v, want %v", cfg.Agents.ReconnectDelay, time.Second)
	}
	if cfg.API.DedupeTTL != 2*time.Minute {
		t.Errorf("API.DedupeTTL = %v, want %v", cfg.API.DedupeTTL, 2*time.Minute)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/prom" {
		t.Errorf("Metrics = %+v, want enabled at /prom", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  path: "./relay.db"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Agents.HeartbeatTimeout != 90*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 90s", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Agents.PingInterval != 25*time.Second {
		t.Errorf("Agents.PingInterval = %v, want 25s", cfg.Agents.PingInterval)
	}
	if cfg.Agents.ReconnectDelay != 3*time.Second {
		t.Errorf("Agents.ReconnectDelay = %v, want 3s", cfg.Agents.ReconnectDelay)
	}
	if cfg.API.DedupeTTL != 5*time.Minute {
		t.Errorf("API.DedupeTTL = %v, want 5m", cfg.API.DedupeTTL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to false")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "from-env")
	t.Setenv("RELAY_TEST_DB", "/tmp/relay-env.db")

	cfg, err := Load(writeConfig(t, `
database:
  path: "${RELAY_TEST_DB}"
auth:
  jwt_secret: "${RELAY_TEST_SECRET}"
tailscale:
  auth_key: "${RELAY_TEST_UNSET_VAR}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "from-env")
	}
	if cfg.Database.Path != "/tmp/relay-env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/relay-env.db")
	}
	if cfg.Tailscale.AuthKey != "" {
		t.Errorf("Tailscale.AuthKey = %q, want empty for unset var", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing database path",
			content: "server:\n  http_addr: \":8080\"\n",
			wantErr: "database.path is required",
		},
		{
			name:    "bad duration",
			content: "database:\n  path: x.db\nagents:\n  heartbeat_timeout: \"soon\"\n",
			wantErr: "agents.heartbeat_timeout",
		},
		{
			name:    "negative duration",
			content: "database:\n  path: x.db\nagents:\n  reconnect_delay: \"-1s\"\n",
			wantErr: "must not be negative",
		},
		{
			name:    "ping slower than timeout",
			content: "database:\n  path: x.db\nagents:\n  heartbeat_timeout: \"10s\"\n  ping_interval: \"30s\"\n",
			wantErr: "must be shorter than",
		},
		{
			name:    "tailscale without hostname",
			content: "database:\n  path: x.db\ntailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "unknown log level",
			content: "database:\n  path: x.db\nlogging:\n  level: chatty\n",
			wantErr: "logging.level",
		},
		{
			name:    "unknown log format",
			content: "database:\n  path: x.db\nlogging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "relative metrics path",
			content: "database:\n  path: x.db\nmetrics:\n  path: metrics\n",
			wantErr: "metrics.path",
		},
		{
			name:    "invalid yaml",
			content: "database: [unclosed\n",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() should have returned an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestLoad_TailscaleWithoutHTTPAddr(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
tailscale:
  enabled: true
  hostname: relay
database:
  path: x.db
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "" {
		t.Errorf("Server.HTTPAddr = %q, want empty when tailscale serves", cfg.Server.HTTPAddr)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("RELAY_CONFIG wins", func(t *testing.T) {
		t.Setenv("RELAY_CONFIG", "/etc/relay.yaml")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		if got := DefaultPath(); got != "/etc/relay.yaml" {
			t.Errorf("DefaultPath() = %q, want /etc/relay.yaml", got)
		}
	})

	t.Run("XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("RELAY_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		want := filepath.Join("/xdg", "agent-relay", "gateway.yaml")
		if got := DefaultPath(); got != want {
			t.Errorf("DefaultPath() = %q, want %q", got, want)
		}
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_A", "alpha")
	got := expandEnvVars("x=${RELAY_A} y=${RELAY_MISSING_B} z=$RELAY_A")
	want := "x=alpha y= z=$RELAY_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
