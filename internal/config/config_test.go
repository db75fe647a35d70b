package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devrelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeFile(t, `
server:
  addr: ":9090"
  allowed_origins: ["http://localhost:5173"]
adb:
  binary: /opt/platform-tools/adb
  max_size: 720
stream:
  health_window: 2s
  grace_period: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q, want :9090", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.ADB.Binary != "/opt/platform-tools/adb" || cfg.ADB.MaxSize != 720 {
		t.Errorf("ADB: got %+v", cfg.ADB)
	}
	if cfg.Stream.HealthWindow != 2*time.Second || cfg.Stream.GracePeriod != time.Minute {
		t.Errorf("Stream durations: got %v / %v", cfg.Stream.HealthWindow, cfg.Stream.GracePeriod)
	}
	// Untouched fields keep their defaults.
	if cfg.Stream.MaxAttempts != Default().Stream.MaxAttempts {
		t.Errorf("MaxAttempts: got %d, want default", cfg.Stream.MaxAttempts)
	}
	if got := cfg.ControllerConfig().HealthWindow; got != 2*time.Second {
		t.Errorf("ControllerConfig().HealthWindow: got %v", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "server:\n  adress: \":1\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load with unknown key: got nil error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load missing: got %v, want ErrNotExist", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"DEVRELAY_ADDR":            "127.0.0.1:7000",
		"DEVRELAY_ALLOWED_ORIGINS": "http://a, http://b",
		"DEVRELAY_GRACE_PERIOD":    "30s",
		"DEVRELAY_MAX_ATTEMPTS":    "5",
		"DEVRELAY_MDNS":            "true",
		"DEVRELAY_SELF_SIGNED_TLS": "1",
		"DEVRELAY_TLS_HOSTS":       "192.168.1.20,relay.lan",
		"DEBUG":                    "1",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:7000" {
		t.Errorf("Addr: got %q", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "http://b" {
		t.Errorf("AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Stream.GracePeriod != 30*time.Second || cfg.Stream.MaxAttempts != 5 {
		t.Errorf("Stream: got %+v", cfg.Stream)
	}
	if !cfg.MDNS.Enabled {
		t.Error("MDNS not enabled")
	}
	if !cfg.Server.SelfSignedTLS || len(cfg.Server.TLSHosts) != 2 {
		t.Errorf("TLS: got %v %v", cfg.Server.SelfSignedTLS, cfg.Server.TLSHosts)
	}
	if lvl, _ := cfg.Log.SlogLevel(); lvl != slog.LevelDebug {
		t.Errorf("log level: got %v, want debug", lvl)
	}
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"DEVRELAY_HEALTH_WINDOW": "soon",
		"DEVRELAY_MAX_ATTEMPTS":  "many",
	}))
	if err == nil {
		t.Fatal("ApplyEnv: got nil error")
	}
	for _, key := range []string{"DEVRELAY_HEALTH_WINDOW", "DEVRELAY_MAX_ATTEMPTS"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero attempts", func(c *Config) { c.Stream.MaxAttempts = 0 }},
		{"queue too small", func(c *Config) { c.Stream.ViewerQueueSize = 2 }},
		{"zero connect timeout", func(c *Config) { c.Capture.ConnectTimeout = 0 }},
		{"zero grace period", func(c *Config) { c.Stream.GracePeriod = 0 }},
		{"zero health window", func(c *Config) { c.Stream.HealthWindow = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate: got nil error")
			}
		})
	}
}
