package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gigflow.yaml")
	body := `
database:
  url: postgres://yaml@localhost/gigflow
  max_conns: 20
notify:
  sinks: [store, amqp]
relay:
  interval: 5s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("DATABASE_URL", "postgres://env@localhost/gigflow")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://env@localhost/gigflow" {
		t.Errorf("expected env override, got %q", cfg.Database.URL)
	}
	if cfg.Database.MaxConns != 20 {
		t.Errorf("expected yaml max_conns 20, got %d", cfg.Database.MaxConns)
	}
	if cfg.Relay.Interval != 5*time.Second {
		t.Errorf("expected relay interval 5s, got %s", cfg.Relay.Interval)
	}
	if len(cfg.Notify.Sinks) != 2 {
		t.Errorf("expected two sinks, got %v", cfg.Notify.Sinks)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("expected redis db 3, got %d", cfg.Redis.DB)
	}
	if cfg.Database.MinConns != 2 {
		t.Errorf("expected default min_conns to survive, got %d", cfg.Database.MinConns)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error without database url")
	}
}

func TestValidateRejectsUnknownSink(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost/x"
	cfg.Notify.Sinks = []string{"pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown sink error")
	}
}

func TestLoadBadEnvValue(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/x")
	t.Setenv("TRACING_ENABLED", "sometimes")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected parse error")
	}
}
