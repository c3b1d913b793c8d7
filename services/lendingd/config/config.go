package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"debtledger/native/common"
	"debtledger/observability/logging"
	telemetry "debtledger/observability/otel"
)

const (
	defaultListen          = ":8085"
	defaultRequestTimeout  = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultClockSkew       = 2 * time.Minute
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress   string              `yaml:"listen"`
	LedgerConfig    string              `yaml:"ledger_config"`
	Environment     string              `yaml:"environment"`
	RequestTimeout  Duration            `yaml:"request_timeout"`
	ShutdownTimeout Duration            `yaml:"shutdown_timeout"`
	TLS             TLSConfig           `yaml:"tls"`
	Auth            AuthConfig          `yaml:"auth"`
	RateLimit       RateLimitConfig     `yaml:"rate_limit"`
	Quota           common.Quota        `yaml:"quota"`
	EventStore      EventStoreConfig    `yaml:"event_store"`
	Telemetry       telemetry.Config    `yaml:"telemetry"`
	LogFile         logging.FileOptions `yaml:"log_file"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token verification. The token subject is
// the caller's bech32 address; admin subjects may drive governance and
// pause endpoints.
type AuthConfig struct {
	JWTSecret     string   `yaml:"jwt_secret"`
	JWTSecretEnv  string   `yaml:"jwt_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew"`
	AdminSubjects []string `yaml:"admin_subjects"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// EventStoreConfig selects the SQL backend for the event log.
type EventStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.resolveSecrets(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.LedgerConfig = strings.TrimSpace(cfg.LedgerConfig)
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.RequestTimeout.Duration <= 0 {
		cfg.RequestTimeout.Duration = defaultRequestTimeout
	}
	if cfg.ShutdownTimeout.Duration <= 0 {
		cfg.ShutdownTimeout.Duration = defaultShutdownTimeout
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = defaultClockSkew
	}
	subjects := make([]string, 0, len(cfg.Auth.AdminSubjects))
	for _, subject := range cfg.Auth.AdminSubjects {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			subjects = append(subjects, trimmed)
		}
	}
	cfg.Auth.AdminSubjects = subjects
	cfg.EventStore.Driver = strings.ToLower(strings.TrimSpace(cfg.EventStore.Driver))
	if cfg.EventStore.Driver == "" {
		cfg.EventStore.Driver = "sqlite"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "lendingd"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = cfg.Environment
	}
}

// resolveSecrets lets operators keep secrets out of the YAML file.
func (cfg *Config) resolveSecrets() error {
	if env := strings.TrimSpace(cfg.Auth.JWTSecretEnv); env != "" {
		value, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(value) == "" {
			return fmt.Errorf("auth: %s is not set", env)
		}
		cfg.Auth.JWTSecret = value
	}
	if env := strings.TrimSpace(cfg.EventStore.DSNEnv); env != "" {
		value, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(value) == "" {
			return fmt.Errorf("event_store: %s is not set", env)
		}
		cfg.EventStore.DSN = value
	}
	return nil
}

func (cfg *Config) validate() error {
	if cfg.LedgerConfig == "" {
		return fmt.Errorf("ledger_config is required")
	}
	hasCert := cfg.TLS.CertPath != ""
	hasKey := cfg.TLS.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && !hasCert {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	if len(strings.TrimSpace(cfg.Auth.JWTSecret)) < 32 {
		return fmt.Errorf("auth: jwt secret must be at least 32 bytes")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	switch cfg.EventStore.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("event_store: unsupported driver %q", cfg.EventStore.Driver)
	}
	if cfg.EventStore.Driver == "postgres" && strings.TrimSpace(cfg.EventStore.DSN) == "" {
		return fmt.Errorf("event_store: postgres requires a dsn")
	}
	return nil
}
