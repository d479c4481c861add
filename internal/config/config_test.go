package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func withSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("SYNCBRIDGE_API_KEY", "k")
	t.Setenv("SYNCBRIDGE_WEBHOOK_SECRET", "s")
}

func TestDefaults(t *testing.T) {
	withSecrets(t)

	cfg, err := LoadFromFile(writeConfigFile(t, "{}"))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "data/syncbridge.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if time.Duration(cfg.Remote.CallTimeout) != 60*time.Second {
		t.Errorf("call timeout = %v", time.Duration(cfg.Remote.CallTimeout))
	}
	if cfg.Remote.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", cfg.Remote.MaxAttempts)
	}
	if cfg.Pull.MaxRecords != 1000 {
		t.Errorf("max records = %d", cfg.Pull.MaxRecords)
	}
	if cfg.Activity.QueueSize != 256 {
		t.Errorf("queue size = %d", cfg.Activity.QueueSize)
	}
	if time.Duration(cfg.Blob.URLExpiry) != time.Hour {
		t.Errorf("url expiry = %v", time.Duration(cfg.Blob.URLExpiry))
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestYAMLOverridesDefaults(t *testing.T) {
	withSecrets(t)

	path := writeConfigFile(t, `
server:
  port: 9090
  read_timeout: 5s
remote:
  base_url: https://remote.example.com
  call_timeout: 90s
pull:
  max_records: 250
log:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if time.Duration(cfg.Server.ReadTimeout) != 5*time.Second {
		t.Errorf("read timeout = %v", time.Duration(cfg.Server.ReadTimeout))
	}
	if cfg.Remote.BaseURL != "https://remote.example.com" {
		t.Errorf("base url = %q", cfg.Remote.BaseURL)
	}
	if time.Duration(cfg.Remote.CallTimeout) != 90*time.Second {
		t.Errorf("call timeout = %v", time.Duration(cfg.Remote.CallTimeout))
	}
	if cfg.Pull.MaxRecords != 250 {
		t.Errorf("max records = %d", cfg.Pull.MaxRecords)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q", cfg.Log.Level)
	}

	// Fields not mentioned in the file keep their defaults.
	if cfg.Remote.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", cfg.Remote.MaxAttempts)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	withSecrets(t)
	t.Setenv("SYNCBRIDGE_PORT", "7070")
	t.Setenv("SYNCBRIDGE_REMOTE_CALL_TIMEOUT", "15s")
	t.Setenv("SYNCBRIDGE_PULL_MAX_RECORDS", "10")

	path := writeConfigFile(t, `
server:
  port: 9090
remote:
  call_timeout: 90s
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env to win", cfg.Server.Port)
	}
	if time.Duration(cfg.Remote.CallTimeout) != 15*time.Second {
		t.Errorf("call timeout = %v, want env to win", time.Duration(cfg.Remote.CallTimeout))
	}
	if cfg.Pull.MaxRecords != 10 {
		t.Errorf("max records = %d", cfg.Pull.MaxRecords)
	}
}

func TestSecretsAreEnvOnly(t *testing.T) {
	withSecrets(t)
	t.Setenv("SYNCBRIDGE_REMOTE_TOKEN", "env-token")

	// Secret-shaped keys in YAML must be ignored; the struct tags exclude them.
	path := writeConfigFile(t, `
auth:
  apikey: yaml-key
remote:
  token: yaml-token
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Auth.APIKey != "k" {
		t.Errorf("api key = %q, want env value", cfg.Auth.APIKey)
	}
	if cfg.Remote.Token != "env-token" {
		t.Errorf("token = %q, want env value", cfg.Remote.Token)
	}
}

func TestMissingAPIKeyFailsValidation(t *testing.T) {
	t.Setenv("SYNCBRIDGE_API_KEY", "")
	t.Setenv("SYNCBRIDGE_WEBHOOK_SECRET", "s")
	t.Setenv("SYNCBRIDGE_DEV_MODE", "")

	_, err := LoadFromFile(writeConfigFile(t, "{}"))
	if err == nil || !strings.Contains(err.Error(), "SYNCBRIDGE_API_KEY") {
		t.Errorf("err = %v, want missing api key error", err)
	}
}

func TestDevModeSkipsSecretValidation(t *testing.T) {
	t.Setenv("SYNCBRIDGE_API_KEY", "")
	t.Setenv("SYNCBRIDGE_WEBHOOK_SECRET", "")
	t.Setenv("SYNCBRIDGE_DEV_MODE", "true")

	if _, err := LoadFromFile(writeConfigFile(t, "{}")); err != nil {
		t.Errorf("LoadFromFile: %v", err)
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	withSecrets(t)
	t.Setenv("SYNCBRIDGE_DB_DRIVER", "postgres")
	t.Setenv("SYNCBRIDGE_DB_DSN", "")

	_, err := LoadFromFile(writeConfigFile(t, "{}"))
	if err == nil || !strings.Contains(err.Error(), "SYNCBRIDGE_DB_DSN") {
		t.Errorf("err = %v, want missing DSN error", err)
	}

	t.Setenv("SYNCBRIDGE_DB_DSN", "postgres://localhost/syncbridge")
	if _, err := LoadFromFile(writeConfigFile(t, "{}")); err != nil {
		t.Errorf("LoadFromFile with DSN: %v", err)
	}
}

func TestUnsupportedDriverRejected(t *testing.T) {
	withSecrets(t)
	t.Setenv("SYNCBRIDGE_DB_DRIVER", "mysql")

	if _, err := LoadFromFile(writeConfigFile(t, "{}")); err == nil {
		t.Error("mysql driver accepted")
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	withSecrets(t)

	path := writeConfigFile(t, `
server:
  read_timeout: soon
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("invalid duration accepted")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	withSecrets(t)
	t.Setenv("SYNCBRIDGE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default", cfg.Server.Port)
	}
}
