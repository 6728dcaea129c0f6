package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.MaxSessionsPerConnection != 5 {
		t.Errorf("MaxSessionsPerConnection = %d, want 5", cfg.MaxSessionsPerConnection)
	}
	if cfg.MaxGlobalSessions != 256 {
		t.Errorf("MaxGlobalSessions = %d, want 256", cfg.MaxGlobalSessions)
	}
	if cfg.IdleTimeout() != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", cfg.IdleTimeout())
	}
	if cfg.MaxLifetime() != time.Hour {
		t.Errorf("MaxLifetime = %v, want 1h", cfg.MaxLifetime())
	}
	if cfg.BackoffBase() != 5*time.Second || cfg.BackoffMax() != 300*time.Second {
		t.Errorf("backoff = %v/%v, want 5s/300s", cfg.BackoffBase(), cfg.BackoffMax())
	}
	if cfg.MaxChunkBytes != 4096 {
		t.Errorf("MaxChunkBytes = %d, want 4096", cfg.MaxChunkBytes)
	}
	if _, ok := cfg.Languages["python"]; !ok {
		t.Error("default languages missing python")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RUNBOX_PORT", "9999")
	t.Setenv("RUNBOX_MAX_GLOBAL_SESSIONS", "7")
	t.Setenv("RUNBOX_SANDBOX_PROVIDER", "mock")
	t.Setenv("RUNBOX_PRESERVE_ANSI", "false")
	t.Setenv("RUNBOX_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.MaxGlobalSessions != 7 {
		t.Errorf("MaxGlobalSessions = %d, want 7", cfg.MaxGlobalSessions)
	}
	if cfg.SandboxProvider != "mock" {
		t.Errorf("SandboxProvider = %q, want mock", cfg.SandboxProvider)
	}
	if cfg.PreserveANSI {
		t.Error("PreserveANSI not overridden")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestYAMLFileWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runbox.yaml")
	content := []byte("port: 9000\nmax_global_sessions: 50\nlanguages:\n  lua:\n    image: lua:5.4\n    cmd: [lua]\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RUNBOX_CONFIG", path)
	t.Setenv("RUNBOX_PORT", "9001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Environment beats the file; the file beats the defaults.
	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001", cfg.Port)
	}
	if cfg.MaxGlobalSessions != 50 {
		t.Errorf("MaxGlobalSessions = %d, want 50", cfg.MaxGlobalSessions)
	}
	lang, ok := cfg.Languages["lua"]
	if !ok || lang.Image != "lua:5.4" {
		t.Errorf("languages from file not applied: %+v", cfg.Languages)
	}
}

func TestValidation(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad port", key: "RUNBOX_PORT", value: "70000"},
		{name: "bad provider", key: "RUNBOX_SANDBOX_PROVIDER", value: "podman"},
		{name: "zero cap", key: "RUNBOX_MAX_GLOBAL_SESSIONS", value: "0"},
		{name: "backoff max below base", key: "RUNBOX_BACKOFF_MAX_SECONDS", value: "1"},
		{name: "zero chunk size", key: "RUNBOX_MAX_CHUNK_BYTES", value: "0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load accepted %s=%s", tc.key, tc.value)
			}
		})
	}
}
