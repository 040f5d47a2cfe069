package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.Driver != "file" {
		t.Errorf("Storage.Driver = %q, want file", cfg.Storage.Driver)
	}
	if cfg.Remote.RequestTimeout != 60*time.Second {
		t.Errorf("Remote.RequestTimeout = %v, want 60s", cfg.Remote.RequestTimeout)
	}
	if cfg.Dynamic.Interpreter != "node" || cfg.Dynamic.MinVersion != "18.0.0" {
		t.Errorf("Dynamic = %+v", cfg.Dynamic)
	}
	if !strings.HasSuffix(cfg.Dynamic.BaseDir, "dynamic-services") {
		t.Errorf("Dynamic.BaseDir = %q", cfg.Dynamic.BaseDir)
	}
	if cfg.Auth.HeaderName != "X-API-Key" {
		t.Errorf("Auth.HeaderName = %q", cfg.Auth.HeaderName)
	}
}

func TestLoadConfigFileThenEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 7000
storage:
  driver: sqlite
  data_dir: /tmp/hub
remote:
  request_timeout: 5s
dynamic:
  auto_approve: true
marketplace:
  default_source: smithery
`)
	t.Setenv("MCPHUB_SERVER_PORT", "7100")
	t.Setenv("MCPHUB_AUTH_API_KEYS", "a,b")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != 7100 {
		t.Errorf("Server.Port = %d, want env override 7100", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DataDir != "/tmp/hub" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Remote.RequestTimeout != 5*time.Second {
		t.Errorf("Remote.RequestTimeout = %v", cfg.Remote.RequestTimeout)
	}
	if !cfg.Dynamic.AutoApprove {
		t.Error("Dynamic.AutoApprove = false, want true")
	}
	if cfg.Dynamic.BaseDir != filepath.Join("/tmp/hub", "dynamic-services") {
		t.Errorf("Dynamic.BaseDir = %q", cfg.Dynamic.BaseDir)
	}
	if len(cfg.Auth.APIKeys) != 2 {
		t.Errorf("Auth.APIKeys = %v", cfg.Auth.APIKeys)
	}
	if cfg.Marketplace.DefaultSource != "smithery" {
		t.Errorf("Marketplace.DefaultSource = %q", cfg.Marketplace.DefaultSource)
	}
}

func TestLoadConfigNegativeTimeoutDisables(t *testing.T) {
	path := writeConfig(t, "remote:\n  request_timeout: -1s\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Remote.RequestTimeout != 0 {
		t.Fatalf("Remote.RequestTimeout = %v, want 0", cfg.Remote.RequestTimeout)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		path := writeConfig(t, "server: [unterminated")
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
	t.Run("bad env", func(t *testing.T) {
		t.Setenv("MCPHUB_SERVER_PORT", "not-an-int")
		_, err := LoadConfig("")
		if err == nil || !strings.Contains(err.Error(), "parse env:") {
			t.Fatalf("LoadConfig() error = %v, want parse env error", err)
		}
	})
}
