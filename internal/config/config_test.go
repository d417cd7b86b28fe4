package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Extra-Chill/plasma-warden/internal/audit"
)

const sample = `
api:
  addr: ":9000"
  token: ${WARDEN_TEST_TOKEN}
store:
  driver: mongo
  mongo_uri: mongodb://db:27017
  mongo_database: warden_test
session:
  handshake_timeout: 5s
  idle_timeout: 10m
mode: audit
audit:
  destination: log
tenants:
  organizations:
    - id: org1
      name: Org One
      max_connections: 5
      connections:
        - id: conn1
          protocol: ssh
          host: 10.0.0.5
  tokens:
    - token: ${UNSET_WARDEN_VAR}
      organization_id: org1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("WARDEN_TEST_TOKEN", "s3cret")
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.API.Addr != ":9000" || cfg.API.Token != "s3cret" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Store.Driver != DriverMongo || cfg.Store.MongoDatabase != "warden_test" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Session.HandshakeTimeout != 5*time.Second || cfg.Session.IdleTimeout != 10*time.Minute {
		t.Errorf("session = %+v", cfg.Session)
	}
	// Untouched keys keep their defaults.
	if cfg.Session.ReapInterval != time.Minute || cfg.API.ShutdownTimeout != 10*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Session, cfg.API)
	}
	if cfg.Audit.Destination != audit.DestinationLog || cfg.Audit.Limit != audit.DefaultLogLimit {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if len(cfg.Tenants.Organizations) != 1 || cfg.Tenants.Organizations[0].MaxConnections != 5 {
		t.Errorf("tenants = %+v", cfg.Tenants)
	}
	if got := cfg.Tenants.Tokens[0].Token; got != "${UNSET_WARDEN_VAR}" {
		t.Errorf("unset variable should stay as written, got %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_API_TOKEN", "from-env")
	t.Setenv("WARDEN_STORE_DRIVER", "memory")
	t.Setenv("WARDEN_HANDSHAKE_TIMEOUT", "2s")
	t.Setenv("WARDEN_SSH_INSECURE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Token != "from-env" || cfg.Store.Driver != DriverMemory {
		t.Errorf("env not applied: %+v %+v", cfg.API, cfg.Store)
	}
	if cfg.Session.HandshakeTimeout != 2*time.Second || !cfg.SSH.InsecureIgnoreHostKey {
		t.Errorf("env not applied: %+v %+v", cfg.Session, cfg.SSH)
	}

	t.Setenv("WARDEN_IDLE_TIMEOUT", "soon")
	if _, err := Load(""); err == nil {
		t.Error("expected error for a malformed duration")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
	if _, err := Load(writeConfig(t, "api: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.API.Token = "admin"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults with token", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.API.Token = "" }, "api token is required"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "bolt" }, "unknown store driver"},
		{"bad mongo uri", func(c *Config) { c.Store.Driver = DriverMongo; c.Store.MongoURI = "http://db" }, "mongo_uri"},
		{"bad mode", func(c *Config) { c.Mode = "yolo" }, "unknown mode"},
		{"bad audit destination", func(c *Config) { c.Audit.Destination = "db" }, "unknown destination"},
		{"zero handshake timeout", func(c *Config) { c.Session.HandshakeTimeout = 0 }, "handshake_timeout"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}
