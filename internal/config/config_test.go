// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults

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
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  ops_addr: "127.0.0.1:7070"
  bridge_addr: "127.0.0.1:7171"

database:
  path: "./warden.db"

towns_file: "./fleet.jsonc"

supervision:
  poll_interval: "10s"
  poll_timeout: "2s"
  unresponsive_at: 2
  dead_at: 4
  retry_budget: 3
  retry_window: "3m"

multiaccount:
  enabled: true
  addr: "127.0.0.1:9300"
  name: "warden-east"
  token_secret: "0123456789abcdef0123456789abcdef"
  staleness_grace: "45s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.OpsAddr != "127.0.0.1:7070" {
		t.Errorf("Server.OpsAddr = %q, want %q", cfg.Server.OpsAddr, "127.0.0.1:7070")
	}
	if cfg.Server.BridgeAddr != "127.0.0.1:7171" {
		t.Errorf("Server.BridgeAddr = %q, want %q", cfg.Server.BridgeAddr, "127.0.0.1:7171")
	}
	if cfg.Database.Path != "./warden.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./warden.db")
	}
	if cfg.TownsFile != "./fleet.jsonc" {
		t.Errorf("TownsFile = %q, want %q", cfg.TownsFile, "./fleet.jsonc")
	}
	if cfg.Supervision.PollInterval != 10*time.Second {
		t.Errorf("Supervision.PollInterval = %v, want 10s", cfg.Supervision.PollInterval)
	}
	if cfg.Supervision.PollTimeout != 2*time.Second {
		t.Errorf("Supervision.PollTimeout = %v, want 2s", cfg.Supervision.PollTimeout)
	}
	if cfg.Supervision.RetryWindow != 3*time.Minute {
		t.Errorf("Supervision.RetryWindow = %v, want 3m", cfg.Supervision.RetryWindow)
	}
	if cfg.MultiAccount.StalenessGrace != 45*time.Second {
		t.Errorf("MultiAccount.StalenessGrace = %v, want 45s", cfg.MultiAccount.StalenessGrace)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./warden.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.OpsAddr != DefaultOpsAddr {
		t.Errorf("Server.OpsAddr = %q, want default %q", cfg.Server.OpsAddr, DefaultOpsAddr)
	}
	if cfg.Server.BridgeAddr != DefaultBridgeAddr {
		t.Errorf("Server.BridgeAddr = %q, want default %q", cfg.Server.BridgeAddr, DefaultBridgeAddr)
	}
	if cfg.Supervision.PollInterval != DefaultPollInterval {
		t.Errorf("Supervision.PollInterval = %v, want default %v", cfg.Supervision.PollInterval, DefaultPollInterval)
	}
	if cfg.Supervision.UnresponsiveAt != DefaultUnresponsiveAt {
		t.Errorf("Supervision.UnresponsiveAt = %d, want default %d", cfg.Supervision.UnresponsiveAt, DefaultUnresponsiveAt)
	}
	if cfg.Supervision.DeadAt != DefaultDeadAt {
		t.Errorf("Supervision.DeadAt = %d, want default %d", cfg.Supervision.DeadAt, DefaultDeadAt)
	}
	if cfg.Supervision.DedupeCap != DefaultDedupeCap {
		t.Errorf("Supervision.DedupeCap = %d, want default %d", cfg.Supervision.DedupeCap, DefaultDedupeCap)
	}
	if cfg.TownsFile != "towns.jsonc" {
		t.Errorf("TownsFile = %q, want default towns.jsonc", cfg.TownsFile)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "0123456789abcdef0123456789abcdef")

	path := writeConfig(t, `
database:
  path: "./warden.db"
multiaccount:
  enabled: true
  addr: "127.0.0.1:9300"
  token_secret: "${WARDEN_TEST_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MultiAccount.TokenSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("TokenSecret = %q, env var was not expanded", cfg.MultiAccount.TokenSecret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./warden.db"
supervision:
  poll_interval: "not-a-duration"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() succeeded with invalid duration")
	}
	if !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("error %q does not identify the offending field", err)
	}
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
server:
  ops_addr: "127.0.0.1:7070"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() succeeded without database.path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("error %q does not identify database.path", err)
	}
}

func TestLoad_ThresholdOrdering(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./warden.db"
supervision:
  unresponsive_at: 5
  dead_at: 5
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() accepted dead_at <= unresponsive_at")
	}
	if !strings.Contains(err.Error(), "dead_at") {
		t.Errorf("error %q does not identify the threshold fields", err)
	}
}

func TestLoad_MultiAccountSecretRequired(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./warden.db"
multiaccount:
  enabled: true
  addr: "127.0.0.1:9300"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() accepted enabled multiaccount without a token secret")
	}
	if !strings.Contains(err.Error(), "token_secret") {
		t.Errorf("error %q does not identify token_secret", err)
	}
}

func TestLoad_TailscaleRequiresHostname(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./warden.db"
tailscale:
  enabled: true
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() accepted tailscale without a hostname")
	}
	if !strings.Contains(err.Error(), "tailscale.hostname") {
		t.Errorf("error %q does not identify tailscale.hostname", err)
	}
}
