package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://localhost/dht")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr() != "0.0.0.0:10000" {
		t.Fatalf("unexpected listen addr %s", cfg.ListenAddr())
	}
	if cfg.MaxMessageBytes != 1024 {
		t.Fatalf("expected 1024 byte limit, got %d", cfg.MaxMessageBytes)
	}
	if cfg.AlertDebounceWindow != 1800*time.Second {
		t.Fatalf("expected 1800s debounce window, got %s", cfg.AlertDebounceWindow)
	}
	if cfg.RetentionDays != 5 {
		t.Fatalf("expected 5 retention days, got %d", cfg.RetentionDays)
	}
	if cfg.SnapshotInterval != 24*time.Hour || cfg.ExpiryInterval != 24*time.Hour {
		t.Fatalf("unexpected retention intervals %s %s", cfg.SnapshotInterval, cfg.ExpiryInterval)
	}
	if cfg.AlertPollInterval != time.Minute {
		t.Fatalf("expected 60s poll, got %s", cfg.AlertPollInterval)
	}
}

func TestLoadConfigYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
server_port: 11000
alert_debounce_window: 10m
mail_recipients: ["ops@example.com"]
store_backend: memory
settings_backend: memory
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "12000")
	t.Setenv("MAIL_RECIPIENTS", "a@example.com, b@example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServerPort != 12000 {
		t.Fatalf("env should override yaml port, got %d", cfg.ServerPort)
	}
	if cfg.AlertDebounceWindow != 10*time.Minute {
		t.Fatalf("yaml debounce window not applied, got %s", cfg.AlertDebounceWindow)
	}
	if len(cfg.MailRecipients) != 2 || cfg.MailRecipients[1] != "b@example.com" {
		t.Fatalf("unexpected recipients %v", cfg.MailRecipients)
	}
	if cfg.NeedsDatabase() {
		t.Fatalf("memory backends should not need a database")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.MaxMessageBytes = 0
	cfg.SettingsBackend = "redis"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"INGEST_MAX_MESSAGE_BYTES", "SETTINGS_BACKEND", "DATABASE_URL"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestGetEnvSecondsFractional(t *testing.T) {
	t.Setenv("X_SECONDS", "0.5")
	if got := getEnvSeconds("X_SECONDS", time.Minute); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %s", got)
	}
	t.Setenv("X_SECONDS", "garbage")
	if got := getEnvSeconds("X_SECONDS", time.Minute); got != time.Minute {
		t.Fatalf("expected default on garbage, got %s", got)
	}
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
