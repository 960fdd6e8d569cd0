package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the issue is non-fatal.
func (e *ValidationError) IsWarning() bool {
	for _, f := range []string{"storage.type", "metrics.enabled"} {
		if e.Field == f {
			return true
		}
	}
	return false
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool { return target == ErrInvalidConfig }

// Warnings returns only warning-level issues.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

// Errors returns only error-level issues.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

// HasErrors returns true if there are any non-warning issues.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig returns the error-level issues of c, or nil.
// Warnings never fail validation; use Lint to see them.
func ValidateConfig(c *Config) error {
	errs := Lint(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Lint returns every issue in c, warnings included.
func Lint(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateKeys(&c.Keys)...)
	errs = append(errs, validateAuthority(&c.Authority)...)
	errs = append(errs, validateTimestamp(&c.Timestamp)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateHTTP(&c.HTTP)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateTracing(&c.Tracing)...)
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, *RequiredFieldError("storage.path"))
		}
	case "memory":
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: "memory storage does not survive a restart",
		})
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}
	if s.MasterSecretPath == "" {
		errs = append(errs, *RequiredFieldError("storage.master_secret_path"))
	}
	return errs
}

func validateKeys(k *KeysConfig) ValidationErrors {
	var errs ValidationErrors
	if k.AuthorityKeyPath == "" {
		errs = append(errs, *RequiredFieldError("keys.authority_key_path"))
	}
	if k.TimestampKeyPath == "" {
		errs = append(errs, *RequiredFieldError("keys.timestamp_key_path"))
	}
	if k.AuthorityKeyPath != "" && k.AuthorityKeyPath == k.TimestampKeyPath {
		errs = append(errs, ValidationError{
			Field:   "keys.timestamp_key_path",
			Message: "timestamp authority must not share the certificate authority key",
		})
	}
	return errs
}

func validateAuthority(a *AuthorityConfig) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(a.Name) == "" {
		errs = append(errs, *RequiredFieldError("authority.name"))
	}
	if a.Country != "" && len(a.Country) != 2 {
		errs = append(errs, ValidationError{
			Field:   "authority.country",
			Message: "country must be a two-letter code",
		})
	}
	if a.ValidityDays < 1 || a.ValidityDays > 3650 {
		errs = append(errs, *RangeError("authority.validity_days", 1, 3650))
	}
	return errs
}

func validateTimestamp(t *TimestampConfig) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, *RequiredFieldError("timestamp.name"))
	}
	if err := validateTimezone(t.Timezone); err != nil {
		errs = append(errs, ValidationError{Field: "timestamp.timezone", Message: err.Error()})
	}
	if t.AccuracyMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "timestamp.accuracy_ms",
			Message: "accuracy must be at least 1ms",
		})
	}
	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors
	if err := validateTimezone(a.Timezone); err != nil {
		errs = append(errs, ValidationError{Field: "audit.timezone", Message: err.Error()})
	}
	if !a.Journal {
		return errs
	}
	if a.JournalPath == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.journal_path",
			Message: "journal path is required when the journal is enabled",
		})
	}
	if a.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if a.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	for i, p := range l.RedactPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("logging.redact_patterns[%d]", i),
				Message: err.Error(),
			})
		}
	}
	return errs
}

func validateHTTP(h *HTTPConfig) ValidationErrors {
	var errs ValidationErrors
	if _, _, err := net.SplitHostPort(h.Listen); err != nil {
		errs = append(errs, ValidationError{
			Field:   "http.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", h.Listen, err),
		})
	}
	if h.ReadTimeoutSec < 1 {
		errs = append(errs, *RangeError("http.read_timeout_sec", 1, "∞"))
	}
	if h.WriteTimeoutSec < 1 {
		errs = append(errs, *RangeError("http.write_timeout_sec", 1, "∞"))
	}
	if h.ShutdownTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "http.shutdown_timeout_sec",
			Message: "shutdown timeout cannot be negative",
		})
	}
	if h.MaxBodyBytes < 1 {
		errs = append(errs, ValidationError{
			Field:   "http.max_body_bytes",
			Message: "body limit must be positive",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors
	if !m.Enabled {
		errs = append(errs, ValidationError{
			Field:   "metrics.enabled",
			Message: "metrics endpoint is disabled",
		})
		return errs
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: "metrics path must start with '/'",
		})
	}
	return errs
}

func validateTracing(t *TracingConfig) ValidationErrors {
	var errs ValidationErrors
	if !t.Enabled {
		return nil
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, *RangeError("tracing.sample_ratio", 0, 1))
	}
	switch t.Exporter {
	case "log":
	case "file":
		if t.FilePath == "" {
			errs = append(errs, *RequiredFieldError("tracing.file_path"))
		}
		if t.MaxSizeMB < 1 {
			errs = append(errs, *RangeError("tracing.max_size_mb", 1, "∞"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "tracing.exporter",
			Message: fmt.Sprintf("unknown exporter %q (use log or file)", t.Exporter),
		})
	}
	return errs
}

func validateTimezone(name string) error {
	if name == "" {
		return errors.New("timezone is required")
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("unknown timezone %q", name)
	}
	return nil
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
