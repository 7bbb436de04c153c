package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"services": [
			{"socket_id": "pg-main"},
			{"socket_id": "redis-cache", "command": "custom-host", "args": ["--verbose"], "startup_timeout_ms": 1200}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("got %d services, want 2", len(cfg.Services))
	}

	first := cfg.Services[0]
	if first.Command != DefaultCommand {
		t.Errorf("command = %q, want default %q", first.Command, DefaultCommand)
	}
	if first.StartupTimeoutMS != DefaultStartupTimeoutMS {
		t.Errorf("startup_timeout_ms = %d, want default %d", first.StartupTimeoutMS, DefaultStartupTimeoutMS)
	}

	second := cfg.Services[1]
	if second.Command != "custom-host" {
		t.Errorf("command = %q, want custom-host", second.Command)
	}
	if second.StartupTimeoutMS != 1200 {
		t.Errorf("startup_timeout_ms = %d, want 1200", second.StartupTimeoutMS)
	}
}

func TestLoadRejectsMissingSocketID(t *testing.T) {
	path := writeConfig(t, `{"services": [{"command": "x"}]}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing socket_id")
	}
}

func TestLoadRejectsDuplicateSocketID(t *testing.T) {
	path := writeConfig(t, `{"services": [
		{"socket_id": "pg-main"},
		{"socket_id": "pg-main"}
	]}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate socket_id")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"services": [`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed document")
	}
}

func TestDescriptorConversion(t *testing.T) {
	svc := Service{
		SocketID:         "pg-main",
		Command:          "dbflux-driver-host",
		Args:             []string{"--driver", "postgres"},
		Env:              map[string]string{"RUST_LOG": "info"},
		StartupTimeoutMS: 2500,
	}
	desc := svc.Descriptor()
	if desc.SocketID != "pg-main" {
		t.Errorf("socket id = %q", desc.SocketID)
	}
	if desc.StartupTimeout != 2500*time.Millisecond {
		t.Errorf("startup timeout = %v, want 2.5s", desc.StartupTimeout)
	}
	if len(desc.Args) != 2 || desc.Args[1] != "postgres" {
		t.Errorf("args = %v", desc.Args)
	}
}
