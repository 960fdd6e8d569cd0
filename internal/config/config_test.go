package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"esignd/internal/logging"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ESIGND_DATA_DIR", dir)
	for _, env := range []string{"ESIGND_LOG_LEVEL", "ESIGND_HTTP_LISTEN", "ESIGND_STORAGE_TYPE"} {
		t.Setenv(env, "")
	}
	return dir
}

func TestDefaultConfigIsValid(t *testing.T) {
	dir := isolate(t)

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if !strings.HasPrefix(cfg.Storage.Path, dir) {
		t.Errorf("storage path should live under %s: %s", dir, cfg.Storage.Path)
	}
	if cfg.Keys.AuthorityKeyPath == cfg.Keys.TimestampKeyPath {
		t.Error("authority keys must be distinct")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "esignd") {
		t.Errorf("config path should contain esignd: %s", path)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("ESIGND_LOG_LEVEL", "debug")
	t.Setenv("ESIGND_HTTP_LISTEN", "0.0.0.0:9000")
	t.Setenv("ESIGND_STORAGE_TYPE", "memory")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug, got %s", cfg.Logging.Level)
	}
	if cfg.HTTP.Listen != "0.0.0.0:9000" {
		t.Errorf("expected override listen, got %s", cfg.HTTP.Listen)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected memory storage, got %s", cfg.Storage.Type)
	}
}

func TestLoadFormats(t *testing.T) {
	isolate(t)

	files := map[string]string{
		"config.toml": "version = 1\n[logging]\nlevel = \"warn\"\n[authority]\nname = \"Acme CA\"\nvalidity_days = 30\n",
		"config.json": `{"version": 1, "logging": {"level": "warn"}, "authority": {"name": "Acme CA", "validity_days": 30}}`,
		"config.yaml": "version: 1\nlogging:\n  level: warn\nauthority:\n  name: Acme CA\n  validity_days: 30\n",
		"config.conf": "version = 1\n[logging]\nlevel = \"warn\"\n[authority]\nname = \"Acme CA\"\nvalidity_days = 30\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, []byte(body), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := NewLoader(path).Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Logging.Level != "warn" {
				t.Errorf("expected warn, got %s", cfg.Logging.Level)
			}
			if cfg.Authority.Name != "Acme CA" || cfg.Authority.ValidityDays != 30 {
				t.Errorf("authority not decoded: %+v", cfg.Authority)
			}
			// Unset fields keep their defaults.
			if cfg.Timestamp.Name == "" || cfg.HTTP.Listen == "" {
				t.Error("defaults lost during decode")
			}
		})
	}
}

func TestLoadNonexistentReturnsDefaults(t *testing.T) {
	isolate(t)

	cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.toml")).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Authority.ValidityDays != 365 {
		t.Errorf("expected default validity, got %d", cfg.Authority.ValidityDays)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	body := "version = 1\n[logging]\nlevel = \"loud\"\n[timestamp]\ntimezone = \"Mars/Olympus\"\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := NewLoader(path).Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	for _, field := range []string{"logging.level", "timestamp.timezone"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s: %v", field, err)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "postgres" }, "storage.type"},
		{"no master secret", func(c *Config) { c.Storage.MasterSecretPath = "" }, "storage.master_secret_path"},
		{"shared authority key", func(c *Config) { c.Keys.TimestampKeyPath = c.Keys.AuthorityKeyPath }, "keys.timestamp_key_path"},
		{"country", func(c *Config) { c.Authority.Country = "FRA" }, "authority.country"},
		{"validity", func(c *Config) { c.Authority.ValidityDays = 0 }, "authority.validity_days"},
		{"accuracy", func(c *Config) { c.Timestamp.AccuracyMs = 0 }, "timestamp.accuracy_ms"},
		{"audit zone", func(c *Config) { c.Audit.Timezone = "Nowhere/Else" }, "audit.timezone"},
		{"journal path", func(c *Config) { c.Audit.Journal = true; c.Audit.JournalPath = "" }, "audit.journal_path"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"log file", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"redact pattern", func(c *Config) { c.Logging.RedactPatterns = []string{`ok`, `(`} }, "logging.redact_patterns[1]"},
		{"listen", func(c *Config) { c.HTTP.Listen = "localhost" }, "http.listen"},
		{"body limit", func(c *Config) { c.HTTP.MaxBodyBytes = 0 }, "http.max_body_bytes"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"sample ratio", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
		{"span exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, "tracing.exporter"},
		{"span file", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "file"; c.Tracing.FilePath = "" }, "tracing.file_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			found := false
			for _, v := range verrs {
				if v.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected issue on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestLintWarnings(t *testing.T) {
	isolate(t)

	cfg := DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.Metrics.Enabled = false

	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("warnings must not fail validation: %v", err)
	}
	issues := Lint(cfg)
	if len(issues.Warnings()) != 2 {
		t.Errorf("expected 2 warnings, got %v", issues)
	}
	if issues.HasErrors() {
		t.Errorf("unexpected errors: %v", issues.Errors())
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	isolate(t)

	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			cfg := DefaultConfig()
			cfg.Authority.DefaultDepartment = "Legal"
			cfg.Audit.Journal = true

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %o", info.Mode().Perm())
			}

			loaded, err := NewLoader(path).Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Authority.DefaultDepartment != "Legal" || !loaded.Audit.Journal {
				t.Errorf("round trip lost values: %+v %+v", loaded.Authority, loaded.Audit)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	if cfg.Authority.Name == "" {
		t.Error("expected default authority name")
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("existing file must not be recreated")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	isolate(t)

	cfg := DefaultConfig()
	cfg.Logging.RedactPatterns = []string{`\d{16}`}
	clone := cfg.Clone()
	clone.Logging.Level = "error"
	clone.Logging.RedactPatterns[0] = "changed"
	if cfg.Logging.Level == "error" || cfg.Logging.RedactPatterns[0] != `\d{16}` {
		t.Error("clone shares state with original")
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := isolate(t)

	cfg := DefaultConfig()
	cfg.Audit.Journal = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "file"
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, sub := range []string{"keys", "audit", "traces"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("expected %s directory: %v", sub, err)
		}
	}
}

func TestLoggerConfig(t *testing.T) {
	isolate(t)

	l := DefaultConfig().Logging
	l.Level = "warn"
	l.Format = "json"
	cfg, err := l.LoggerConfig()
	if err != nil {
		t.Fatalf("LoggerConfig failed: %v", err)
	}
	if cfg.Level != logging.LevelWarn || cfg.Format != logging.FormatJSON {
		t.Errorf("unexpected conversion: %+v", cfg)
	}
	if len(cfg.RedactPatterns) != 0 {
		t.Errorf("unexpected redact patterns %v", cfg.RedactPatterns)
	}
	if cfg.MaxSize != int64(l.MaxSizeMB) {
		t.Errorf("expected max size %d, got %d", l.MaxSizeMB, cfg.MaxSize)
	}

	l.Level = "chatty"
	if _, err := l.LoggerConfig(); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	changed := make(chan [2]string, 1)
	loader.OnChange(func(old, new *Config) {
		select {
		case changed <- [2]string{old.Logging.Level, new.Logging.Level}:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case levels := <-changed:
		if levels[0] != "info" || levels[1] != "debug" {
			t.Errorf("expected info -> debug, got %v", levels)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if loader.Config().Logging.Level != "debug" {
		t.Errorf("loader kept stale config")
	}
}

func TestLoaderWatchKeepsConfigOnInvalidReload(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatal(err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("version = 1\n[logging]\nlevel = \"loud\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-loader.Errors():
		if !strings.Contains(err.Error(), "logging.level") {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	if loader.Config().Logging.Level != "info" {
		t.Error("invalid reload replaced the config")
	}
}
