package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("AIRSENTRY_SECURITY_API_KEY", "test-key")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 11535 {
		t.Fatalf("expected default port 11535, got %d", cfg.Server.Port)
	}
	if !cfg.Security.DegradedOpen {
		t.Fatalf("expected default degraded_open true")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
server:
  host: 127.0.0.1
  port: 9000
ollama:
  base_url: http://127.0.0.1:11434
security:
  base_url: https://example.test
  api_key: secret
  app_name: myapp
  degraded_open: false
  max_pending_chunks: 10
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Security.DegradedOpen {
		t.Fatalf("expected degraded_open false")
	}
	if cfg.Security.APIKey != "secret" {
		t.Fatalf("expected api key to be parsed, got %q", cfg.Security.APIKey)
	}
}

func TestLoadRejectsNonLoopbackHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "server:\n  host: 0.0.0.0\n  port: 9000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for non-loopback host")
	}
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "ollama:\n  base_url: http://127.0.0.1:11434\nsecurity:\n  base_url: https://example.test\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing api_key")
	}
}

func TestLoadRejectsNonHTTPBaseURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "ollama:\n  base_url: ftp://127.0.0.1:11434\nsecurity:\n  base_url: https://example.test\n  api_key: secret\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for non-http ollama.base_url")
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	t.Setenv("AIRSENTRY_SERVER_PORT", "9500")
	t.Setenv("AIRSENTRY_SECURITY_API_KEY", "test-key")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9500 {
		t.Fatalf("expected env override to win, got port %d", cfg.Server.Port)
	}
}

func TestWriteDefaultProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	t.Setenv("AIRSENTRY_SECURITY_API_KEY", "test-key")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written default config: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("unexpected default host %q", cfg.Server.Host)
	}
}
