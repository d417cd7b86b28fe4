// Package config loads the warden daemon configuration.
//
// Values are merged with precedence: flags > environment > file > defaults.
// Flags are applied by the caller; this package handles the rest.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Extra-Chill/plasma-warden/internal/audit"
	"github.com/Extra-Chill/plasma-warden/internal/mode"
	"github.com/Extra-Chill/plasma-warden/internal/tenant"
)

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

// Config is the daemon configuration file.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Policy    PolicyConfig    `yaml:"policy"`
	Mode      string          `yaml:"mode"` // global enforcement mode
	Events    EventsConfig    `yaml:"events"`
	Audit     audit.Config    `yaml:"audit"`
	Recording RecordingConfig `yaml:"recording"`
	SSH       SSHConfig       `yaml:"ssh"`
	Tenants   tenant.Config   `yaml:"tenants"`
	Log       LogConfig       `yaml:"log"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Addr            string        `yaml:"addr"`
	Token           string        `yaml:"token"` // admin bearer token
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver        string        `yaml:"driver"`        // "memory" or "mongo"
	SnapshotPath  string        `yaml:"snapshot_path"` // memory driver only; empty keeps nothing on disk
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDatabase string        `yaml:"mongo_database"`
	MongoTimeout  time.Duration `yaml:"mongo_timeout"`
}

// SessionConfig tunes the session controller.
type SessionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"` // 0 disables the idle sweep
	ReapInterval     time.Duration `yaml:"reap_interval"`
}

// PolicyConfig points at an optional YAML policy file seeded into the store.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// EventsConfig tunes event delivery.
type EventsConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	DedupWindow int           `yaml:"dedup_window"`
}

// RecordingConfig configures the recording collaborator. An empty Dir
// disables recordings.
type RecordingConfig struct {
	Dir             string        `yaml:"dir"`
	BaseURL         string        `yaml:"base_url"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

// SSHConfig configures the SSH handshake check.
type SSHConfig struct {
	CAKeyPath             string        `yaml:"ca_key_path"`
	KnownHostsPath        string        `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	CertTTL               time.Duration `yaml:"cert_ttl"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		API: APIConfig{
			Addr:            ":8443",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:        DriverMemory,
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "warden",
			MongoTimeout:  10 * time.Second,
		},
		Session: SessionConfig{
			HandshakeTimeout: 15 * time.Second,
			IdleTimeout:      30 * time.Minute,
			ReapInterval:     time.Minute,
		},
		Mode: string(mode.Enforce),
		Events: EventsConfig{
			MaxAttempts: 3,
			Backoff:     50 * time.Millisecond,
			DedupWindow: 4096,
		},
		Audit: audit.Config{
			Destination: audit.DestinationAll,
			Limit:       audit.DefaultLogLimit,
		},
		Recording: RecordingConfig{
			FinalizeTimeout: 30 * time.Second,
		},
		SSH: SSHConfig{
			CAKeyPath: "warden_ca_key",
			CertTTL:   5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies WARDEN_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg after substituting ${VAR} references from the
// environment. Unset variables are left as written.
func Parse(data []byte, cfg *Config) error {
	content := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		varName := match[2 : len(match)-1]
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return match
	})
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("WARDEN_ADDR", &c.API.Addr)
	str("WARDEN_API_TOKEN", &c.API.Token)
	str("WARDEN_STORE_DRIVER", &c.Store.Driver)
	str("WARDEN_SNAPSHOT_PATH", &c.Store.SnapshotPath)
	str("WARDEN_MONGO_URI", &c.Store.MongoURI)
	str("WARDEN_MONGO_DATABASE", &c.Store.MongoDatabase)
	str("WARDEN_POLICY_FILE", &c.Policy.File)
	str("WARDEN_MODE", &c.Mode)
	str("WARDEN_AUDIT_DESTINATION", &c.Audit.Destination)
	str("WARDEN_AUDIT_JOURNAL", &c.Audit.JournalPath)
	str("WARDEN_RECORDING_DIR", &c.Recording.Dir)
	str("WARDEN_CA_KEY", &c.SSH.CAKeyPath)
	str("WARDEN_KNOWN_HOSTS", &c.SSH.KnownHostsPath)
	str("WARDEN_LOG_LEVEL", &c.Log.Level)
	str("WARDEN_LOG_FORMAT", &c.Log.Format)
	if err := dur("WARDEN_HANDSHAKE_TIMEOUT", &c.Session.HandshakeTimeout); err != nil {
		return err
	}
	if err := dur("WARDEN_IDLE_TIMEOUT", &c.Session.IdleTimeout); err != nil {
		return err
	}
	if v := getenv("WARDEN_SSH_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WARDEN_SSH_INSECURE: %w", err)
		}
		c.SSH.InsecureIgnoreHostKey = b
	}
	return nil
}

// Validate checks the configuration before the daemon starts.
func (c *Config) Validate() error {
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if c.API.Token == "" && len(c.Tenants.Tokens) == 0 {
		return fmt.Errorf("an api token is required (api.token, WARDEN_API_TOKEN or tenants.tokens)")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverMongo:
		if !strings.HasPrefix(c.Store.MongoURI, "mongodb://") && !strings.HasPrefix(c.Store.MongoURI, "mongodb+srv://") {
			return fmt.Errorf("store.mongo_uri must start with mongodb:// or mongodb+srv://")
		}
		if c.Store.MongoDatabase == "" {
			return fmt.Errorf("store.mongo_database is required")
		}
	default:
		return fmt.Errorf("unknown store driver %q (want memory or mongo)", c.Store.Driver)
	}
	if c.Session.HandshakeTimeout <= 0 {
		return fmt.Errorf("session.handshake_timeout must be positive")
	}
	if c.Session.IdleTimeout > 0 && c.Session.ReapInterval <= 0 {
		return fmt.Errorf("session.reap_interval must be positive when idle_timeout is set")
	}
	if _, err := mode.Parse(c.Mode); err != nil {
		return err
	}
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q (want json or console)", c.Log.Format)
	}
	if err := c.Tenants.Validate(); err != nil {
		return fmt.Errorf("tenants: %w", err)
	}
	return nil
}
