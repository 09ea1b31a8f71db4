package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatcher.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
database:
  dsn: "judge:judge@tcp(127.0.0.1:3306)/oj"
redis:
  addr: "127.0.0.1:6379"
minio:
  endpoint: "127.0.0.1:9000"
  bucket: "testdata"
`

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Logger.Level != "info" {
		t.Fatalf("server and logger defaults missing: %+v %+v", cfg.Server, cfg.Logger)
	}
	if cfg.Dispatch.AdmissionWait != 0 || cfg.Semaphore.NonBlocking {
		t.Fatalf("admission should block without a bound by default: wait=%v nonBlocking=%v",
			cfg.Dispatch.AdmissionWait, cfg.Semaphore.NonBlocking)
	}
	if cfg.Semaphore.LeaseTimeout != time.Hour+5*time.Minute || cfg.Sync.Bucket != "testdata" {
		t.Fatalf("unexpected semaphore or sync defaults: %+v %+v", cfg.Semaphore, cfg.Sync)
	}
}

func TestValidateLeavesConfigUntouched(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	before := *cfg
	if err := validate(*cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Dispatch != before.Dispatch || cfg.Semaphore != before.Semaphore || cfg.Sync != before.Sync {
		t.Fatalf("validate changed the config")
	}

	bad := *cfg
	bad.Dispatch.AdmissionWait = -time.Second
	if err := validate(bad); err == nil {
		t.Fatalf("expected negative admission wait to be rejected")
	}
	bad = *cfg
	bad.Database.DSN = ""
	if err := validate(bad); err == nil {
		t.Fatalf("expected missing dsn to be rejected")
	}
}
