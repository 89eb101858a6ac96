package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1
	DefaultPath    = "~/.carryover/carryover.yaml"
	DefaultHome    = "~/.carryover/"
)

// Config is the top-level configuration.
type Config struct {
	Version     int               `yaml:"version"`
	Legacy      LegacyConfig      `yaml:"legacy"`
	Destination DestinationConfig `yaml:"destination"`
	Engine      EngineConfig      `yaml:"engine,omitempty"`
	Logging     LogConfig         `yaml:"logging,omitempty"`
	Report      ReportConfig      `yaml:"report,omitempty"`
	Metrics     MetricsConfig     `yaml:"metrics,omitempty"`
}

// LegacyConfig defines the legacy MongoDB connection.
type LegacyConfig struct {
	ConnectionString string        `yaml:"connection_string"`
	Database         string        `yaml:"database"`
	BatchSize        int           `yaml:"batch_size,omitempty"` // default 1000
	Timeout          time.Duration `yaml:"timeout,omitempty"`    // default 30s
}

// DestinationConfig defines the destination PostgreSQL connection.
type DestinationConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConnections int32  `yaml:"max_connections,omitempty"` // default 10, max 50
}

// EngineConfig tunes the plan executor.
type EngineConfig struct {
	Workers  int         `yaml:"workers,omitempty"` // default 4
	Retry    RetryConfig `yaml:"retry,omitempty"`
	StateDir string      `yaml:"state_dir,omitempty"` // default ~/.carryover/
}

// RetryConfig bounds retries of transient store errors.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries,omitempty"`   // default 5
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"` // default 200ms
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"`     // default 10s
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level         string `yaml:"level,omitempty"`          // debug, info, warn, error
	Format        string `yaml:"format,omitempty"`         // text or json
	Directory     string `yaml:"directory,omitempty"`      // default ~/.carryover/logs/
	RetentionDays int    `yaml:"retention_days,omitempty"` // default 30
}

// ReportConfig defines where run reports go.
type ReportConfig struct {
	Directory string `yaml:"directory,omitempty"` // default ~/.carryover/reports/
	S3Bucket  string `yaml:"s3_bucket,omitempty"`
	S3Prefix  string `yaml:"s3_prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Profile   string `yaml:"profile,omitempty"`
}

// MetricsConfig defines the Prometheus textfile export.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path,omitempty"`
}

// Default returns a config with every default applied and placeholder
// connection settings.
func Default() *Config {
	cfg := &Config{
		Version: CurrentVersion,
		Legacy: LegacyConfig{
			ConnectionString: "mongodb://localhost:27017",
			Database:         "pulp_database",
		},
		Destination: DestinationConfig{
			DSN: "postgres://pulp:${ENV:CARRYOVER_DB_PASSWORD}@localhost:5432/pulp",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the config file from the given path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the settings a run cannot do without.
func (c *Config) Validate() error {
	if c.Legacy.ConnectionString == "" {
		return fmt.Errorf("legacy.connection_string is required")
	}
	if c.Legacy.Database == "" {
		return fmt.Errorf("legacy.database is required")
	}
	if c.Destination.DSN == "" {
		return fmt.Errorf("destination.dsn is required")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Legacy.BatchSize <= 0 {
		c.Legacy.BatchSize = 1000
	}
	if c.Legacy.Timeout <= 0 {
		c.Legacy.Timeout = 30 * time.Second
	}
	if c.Destination.MaxConnections == 0 {
		c.Destination.MaxConnections = 10
	}
	if c.Destination.MaxConnections > 50 {
		c.Destination.MaxConnections = 50
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.Retry.MaxRetries == 0 {
		c.Engine.Retry.MaxRetries = 5
	}
	if c.Engine.Retry.InitialDelay <= 0 {
		c.Engine.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Engine.Retry.MaxDelay <= 0 {
		c.Engine.Retry.MaxDelay = 10 * time.Second
	}
	if c.Engine.StateDir == "" {
		c.Engine.StateDir = ExpandHome(DefaultHome)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Directory == "" {
		c.Logging.Directory = ExpandHome("~/.carryover/logs/")
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 30
	}
	if c.Report.Directory == "" {
		c.Report.Directory = ExpandHome("~/.carryover/reports/")
	}
}

var secretPattern = regexp.MustCompile(`\$\{(ENV|VAULT|AWS_SM):([^}]+)\}`)

func (c *Config) resolveSecrets() error {
	var err error
	c.Legacy.ConnectionString, err = ResolveValue(c.Legacy.ConnectionString)
	if err != nil {
		return fmt.Errorf("legacy connection string: %w", err)
	}
	c.Destination.DSN, err = ResolveValue(c.Destination.DSN)
	if err != nil {
		return fmt.Errorf("destination dsn: %w", err)
	}
	return nil
}

// ResolveValue resolves every secret reference embedded in a string value.
func ResolveValue(val string) (string, error) {
	var firstErr error
	out := secretPattern.ReplaceAllStringFunc(val, func(m string) string {
		if firstErr != nil {
			return m
		}
		parts := secretPattern.FindStringSubmatch(m)
		v, err := resolveRef(parts[1], parts[2])
		if err != nil {
			firstErr = err
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func resolveRef(provider, ref string) (string, error) {
	switch provider {
	case "ENV":
		v := os.Getenv(ref)
		if v == "" {
			return "", fmt.Errorf("environment variable %s not set", ref)
		}
		return v, nil
	case "VAULT":
		return resolveVault(ref)
	case "AWS_SM":
		return resolveAWSSecretsManager(ref)
	default:
		return "", fmt.Errorf("unknown secrets provider: %s", provider)
	}
}

// Redacted returns a copy safe to print, with credentials in connection
// strings masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Legacy.ConnectionString = redactURL(c.Legacy.ConnectionString)
	cp.Destination.DSN = redactURL(c.Destination.DSN)
	return &cp
}

var credentialsPattern = regexp.MustCompile(`(://[^:/@]+:)[^@]+@`)

func redactURL(s string) string {
	return credentialsPattern.ReplaceAllString(s, "${1}****@")
}

// ExpandHome expands ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
