package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventrelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoadFrom_Layering runs the whole pipeline: defaults, then YAML, then
// environment, then validation.
func TestLoadFrom_Layering(t *testing.T) {
	path := writeYAML(t, `
server:
  port: "9090"
logging:
  level: debug
  format: text
stream:
  replay_batch: 50
`)
	t.Setenv("EVENTRELAY_PORT", "7070")
	t.Setenv("EVENTRELAY_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	checks := []struct {
		what      string
		got, want any
	}{
		{"port from env", cfg.Server.Port, "7070"},
		{"level from env", cfg.Logging.Level, "warn"},
		{"format from YAML", cfg.Logging.Format, "text"},
		{"replay batch from YAML", cfg.Stream.ReplayBatch, 50},
		{"redis key default", cfg.Redis.Key, "notifications:stream"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.what, c.got, c.want)
		}
	}
}

func TestLoadFrom_NoFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Log.Backend != BackendRedis || cfg.Logging.Format != "json" {
		t.Errorf("expected defaults, got backend=%q format=%q", cfg.Log.Backend, cfg.Logging.Format)
	}
}

func TestLoadFrom_ValidationFailure(t *testing.T) {
	_, err := LoadFrom(writeYAML(t, "log:\n  backend: sqlite\n"))
	if err == nil || !strings.Contains(err.Error(), "config validate") {
		t.Fatalf("expected wrapped validation error, got %v", err)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	t.Setenv("EVENTRELAY_CONFIG", writeYAML(t, "server:\n  port: \"6060\"\n"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected port 6060 from EVENTRELAY_CONFIG file, got %q", cfg.Server.Port)
	}
}
