package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/ReportLedger/internal/config"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != "" {
		t.Errorf("Source: got %q, want none", cfg.Source)
	}
	if cfg.Server.Port != 8080 || cfg.Store.Driver != config.DriverSQLite {
		t.Errorf("defaults: port=%d driver=%s", cfg.Server.Port, cfg.Store.Driver)
	}
	if cfg.Append.RetryAttempts != 5 || cfg.Append.RetryBackoff != 10*time.Millisecond {
		t.Errorf("append defaults: %+v", cfg.Append)
	}
	if cfg.Health.CheckInterval != 6*time.Hour || cfg.Health.Concurrency != 4 {
		t.Errorf("health defaults: %+v", cfg.Health)
	}
	if cfg.IssuerURL() != "http://localhost:8080" {
		t.Errorf("IssuerURL: %q", cfg.IssuerURL())
	}
}

func TestLoad_file(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
store:
  driver: memory
crypto:
  algorithm: XCHACHA20-POLY1305
retention:
  years:
    tax: 6
  require_signoff: [financial, attorney]
  sweep_interval: 15m
identity:
  issuer: https://ledger.example.com
  token_ttl: 30m
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != path {
		t.Errorf("Source: got %q", cfg.Source)
	}
	if cfg.Server.Port != 9000 || cfg.Store.Driver != config.DriverMemory {
		t.Errorf("server/store: %+v %+v", cfg.Server, cfg.Store)
	}
	if cfg.Retention.SweepInterval != 15*time.Minute || cfg.Identity.TokenTTL != 30*time.Minute {
		t.Errorf("durations: %v %v", cfg.Retention.SweepInterval, cfg.Identity.TokenTTL)
	}

	rc, err := cfg.RetentionPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if rc.Years[retention.ClassTax] != 6 {
		t.Errorf("tax years: %d", rc.Years[retention.ClassTax])
	}
	if len(rc.RequireSignOff) != 2 || rc.RequireSignOff[0] != retention.ClassFinancial {
		t.Errorf("sign-off: %v", rc.RequireSignOff)
	}
	if cfg.IssuerURL() != "https://ledger.example.com" {
		t.Errorf("IssuerURL: %q", cfg.IssuerURL())
	}
}

func TestLoad_envOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("LEDGER_SERVER_PORT", "9191")
	t.Setenv("LEDGER_STORE_DRIVER", "postgres")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9191 || cfg.Store.Driver != config.DriverPostgres {
		t.Errorf("env overrides not applied: port=%d driver=%s", cfg.Server.Port, cfg.Store.Driver)
	}
}

func TestLoad_errors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing explicit file", filepath.Join(t.TempDir(), "absent.yaml")},
		{"unknown driver", writeConfig(t, "store:\n  driver: mongo\n")},
		{"unknown algorithm", writeConfig(t, "crypto:\n  algorithm: ROT13\n")},
		{"unknown classification", writeConfig(t, "retention:\n  years:\n    gossip: 1\n")},
		{"non-positive years", writeConfig(t, "retention:\n  years:\n    tax: 0\n")},
		{"zero retries", writeConfig(t, "append:\n  retry_attempts: 0\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.Load(tt.path); err == nil {
				t.Error("expected error")
			}
		})
	}
}
