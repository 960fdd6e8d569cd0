// Package config handles configuration loading, validation, and management for esignd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"esignd/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete esignd configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configures the durable store and the master secret.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Keys locates the authority signing keys.
	Keys KeysConfig `toml:"keys" json:"keys" yaml:"keys"`

	// Authority describes the certificate authority.
	Authority AuthorityConfig `toml:"authority" json:"authority" yaml:"authority"`

	// Timestamp describes the timestamp authority.
	Timestamp TimestampConfig `toml:"timestamp" json:"timestamp" yaml:"timestamp"`

	// Audit configures the audit journal and anomaly detection.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// HTTP configures the API server.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Tracing configures request and operation spans.
	Tracing TracingConfig `toml:"tracing" json:"tracing" yaml:"tracing"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is "sqlite" or "memory". Memory stores lose everything on exit.
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MasterSecretPath holds the secret that seals private keys and keys the audit chain MAC.
	MasterSecretPath string `toml:"master_secret_path" json:"master_secret_path" yaml:"master_secret_path"`
}

// KeysConfig locates the authority keys. Missing files are generated on first start.
type KeysConfig struct {
	// AuthorityKeyPath is the OpenSSH-format Ed25519 key of the certificate authority.
	AuthorityKeyPath string `toml:"authority_key_path" json:"authority_key_path" yaml:"authority_key_path"`

	// TimestampKeyPath is the OpenSSH-format Ed25519 key of the timestamp authority.
	TimestampKeyPath string `toml:"timestamp_key_path" json:"timestamp_key_path" yaml:"timestamp_key_path"`
}

// AuthorityConfig describes the certificate authority.
type AuthorityConfig struct {
	Name                string `toml:"name" json:"name" yaml:"name"`
	Organization        string `toml:"organization" json:"organization" yaml:"organization"`
	Country             string `toml:"country" json:"country" yaml:"country"`
	ValidityDays        int    `toml:"validity_days" json:"validity_days" yaml:"validity_days"`
	DefaultOrganization string `toml:"default_organization" json:"default_organization" yaml:"default_organization"`
	DefaultDepartment   string `toml:"default_department" json:"default_department" yaml:"default_department"`
}

// TimestampConfig describes the timestamp authority.
type TimestampConfig struct {
	Name       string `toml:"name" json:"name" yaml:"name"`
	Timezone   string `toml:"timezone" json:"timezone" yaml:"timezone"`
	AccuracyMs int64  `toml:"accuracy_ms" json:"accuracy_ms" yaml:"accuracy_ms"`
}

// AuditConfig configures the audit journal and anomaly detection.
type AuditConfig struct {
	// Journal mirrors every audit event to a rotated JSON-lines file.
	Journal bool `toml:"journal" json:"journal" yaml:"journal"`

	// JournalPath is the journal file.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`

	MaxSizeMB  int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Timezone is the zone working hours are judged in ("Local" for the host zone).
	Timezone string `toml:"timezone" json:"timezone" yaml:"timezone"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// RedactPatterns are regular expressions masked out of logged string values.
	RedactPatterns []string `toml:"redact_patterns,omitempty" json:"redact_patterns,omitempty" yaml:"redact_patterns,omitempty"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	// Listen is the host:port the API binds to.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// MaxBodyBytes caps request bodies, which carry the content being signed.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`

	// Runtime adds the Go runtime and process collectors.
	Runtime bool `toml:"runtime" json:"runtime" yaml:"runtime"`
}

// TracingConfig configures span recording.
type TracingConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SampleRatio is the share of new traces recorded, in [0,1].
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`

	// Exporter is "log" (debug-level log records) or "file" (JSON lines at FilePath).
	Exporter string `toml:"exporter" json:"exporter" yaml:"exporter"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults rooted at DataDir.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Type:             "sqlite",
			Path:             filepath.Join(dir, "esignd.db"),
			MasterSecretPath: filepath.Join(dir, "master.key"),
		},
		Keys: KeysConfig{
			AuthorityKeyPath: filepath.Join(dir, "keys", "authority_ed25519"),
			TimestampKeyPath: filepath.Join(dir, "keys", "timestamp_ed25519"),
		},
		Authority: AuthorityConfig{
			Name:         "esignd Certificate Authority",
			Organization: "esignd",
			Country:      "FR",
			ValidityDays: 365,
		},
		Timestamp: TimestampConfig{
			Name:       "esignd Timestamp Authority",
			Timezone:   "UTC",
			AccuracyMs: 1,
		},
		Audit: AuditConfig{
			Journal:     false,
			JournalPath: filepath.Join(dir, "audit", "audit.jsonl"),
			MaxSizeMB:   50,
			MaxBackups:  10,
			MaxAgeDays:  90,
			Timezone:    "Local",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "esignd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		HTTP: HTTPConfig{
			Listen:             "127.0.0.1:8780",
			ReadTimeoutSec:     15,
			WriteTimeoutSec:    30,
			ShutdownTimeoutSec: 10,
			MaxBodyBytes:       16 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Runtime: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1,
			Exporter:    "log",
			FilePath:    filepath.Join(dir, "traces", "spans.jsonl"),
			MaxSizeMB:   50,
			MaxBackups:  5,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dirs := []string{
		filepath.Dir(c.Storage.MasterSecretPath),
		filepath.Dir(c.Keys.AuthorityKeyPath),
		filepath.Dir(c.Keys.TimestampKeyPath),
	}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Audit.Journal {
		dirs = append(dirs, filepath.Dir(c.Audit.JournalPath))
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "file" {
		dirs = append(dirs, filepath.Dir(c.Tracing.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base esignd directory.
// ESIGND_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("ESIGND_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies ESIGND_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	overrides := []struct {
		env string
		dst *string
	}{
		{"ESIGND_STORAGE_TYPE", &c.Storage.Type},
		{"ESIGND_STORAGE_PATH", &c.Storage.Path},
		{"ESIGND_MASTER_SECRET_PATH", &c.Storage.MasterSecretPath},
		{"ESIGND_AUTHORITY_KEY_PATH", &c.Keys.AuthorityKeyPath},
		{"ESIGND_TIMESTAMP_KEY_PATH", &c.Keys.TimestampKeyPath},
		{"ESIGND_AUTHORITY_NAME", &c.Authority.Name},
		{"ESIGND_TIMESTAMP_TIMEZONE", &c.Timestamp.Timezone},
		{"ESIGND_AUDIT_TIMEZONE", &c.Audit.Timezone},
		{"ESIGND_LOG_LEVEL", &c.Logging.Level},
		{"ESIGND_LOG_FORMAT", &c.Logging.Format},
		{"ESIGND_LOG_PATH", &c.Logging.FilePath},
		{"ESIGND_HTTP_LISTEN", &c.HTTP.Listen},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:   c.Version,
		Storage:   c.Storage,
		Keys:      c.Keys,
		Authority: c.Authority,
		Timestamp: c.Timestamp,
		Audit:     c.Audit,
		Logging:   c.Logging.clone(),
		HTTP:      c.HTTP,
		Metrics:   c.Metrics,
		Tracing:   c.Tracing,
	}
}

func (l LoggingConfig) clone() LoggingConfig {
	l.RedactPatterns = slices.Clone(l.RedactPatterns)
	return l
}

// LoggerConfig converts the logging section for logging.New.
func (l LoggingConfig) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Output = l.Output
	cfg.FilePath = l.FilePath
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAge = l.MaxAgeDays
	cfg.Compress = l.Compress
	cfg.RedactPatterns = slices.Clone(l.RedactPatterns)
	if l.Format == "json" {
		cfg.Format = logging.FormatJSON
	} else {
		cfg.Format = logging.FormatText
	}
	return cfg, nil
}

// JournalConfig converts the audit section for logging.NewJournal.
func (a AuditConfig) JournalConfig() *logging.JournalConfig {
	cfg := logging.DefaultJournalConfig()
	cfg.FilePath = a.JournalPath
	cfg.MaxSize = int64(a.MaxSizeMB)
	cfg.MaxBackups = a.MaxBackups
	cfg.MaxAge = a.MaxAgeDays
	return cfg
}

// FileConfig describes the span file for tracing.NewFileExporter.
func (t TracingConfig) FileConfig() *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = t.FilePath
	cfg.MaxSize = int64(t.MaxSizeMB)
	cfg.MaxBackups = t.MaxBackups
	return cfg
}
