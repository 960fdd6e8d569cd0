// esignd - electronic signature daemon
//
// esignd runs the certificate authority, timestamp authority, signature
// engine, workflow coordinator and audit trail behind an HTTP API:
//
//	esignd                      Serve with the discovered config file
//	esignd -config path.toml    Serve with an explicit config file
//	esignd -check               Validate the config and exit
//	esignd -version             Print the version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"esignd/internal/api"
	"esignd/internal/config"
	"esignd/internal/core"
	"esignd/internal/health"
	"esignd/internal/logging"
	"esignd/internal/metrics"
	"esignd/internal/security"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	listen := flag.String("listen", "", "override http.listen")
	check := flag.Bool("check", false, "validate the configuration and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("esignd", Version)
		return
	}

	if err := run(*configPath, *listen, *check); err != nil {
		fmt.Fprintf(os.Stderr, "esignd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen string, checkOnly bool) error {
	path := configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if path == "" {
		path = config.ConfigPath()
	}
	if listen != "" {
		cfg.HTTP.Listen = listen
	}

	if checkOnly {
		for _, issue := range config.Lint(cfg) {
			fmt.Println(issue.Error())
		}
		fmt.Printf("%s: ok\n", path)
		return nil
	}

	logCfg, err := cfg.Logging.LoggerConfig()
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	if created {
		log.Info("wrote default configuration", "path", path)
	}
	for _, w := range config.Lint(cfg).Warnings() {
		log.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}

	if log.Level() > logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	dataDir := filepath.Dir(cfg.Storage.MasterSecretPath)
	lock, err := security.LockDir(dataDir, "esignd.lock")
	if err != nil {
		if errors.Is(err, security.ErrLocked) {
			return fmt.Errorf("another esignd is using %s", dataDir)
		}
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Runtime)
	}

	sc, err := core.Open(ctx, cfg, log, m)
	if err != nil {
		return fmt.Errorf("open signature core: %w", err)
	}
	defer func() {
		if err := sc.Close(); err != nil {
			log.Error("close signature core", "error", err)
		}
	}()

	hc := health.NewChecker()
	hc.Register(&health.Component{Name: "store", Critical: true, Check: health.StoreCheck(sc.Store()), Timeout: 5 * time.Second})
	hc.Register(&health.Component{Name: "audit_chain", Check: health.AuditChainCheck(sc.Store()), Timeout: 30 * time.Second})
	hc.Register(&health.Component{Name: "data_dir", Check: health.DirWritableCheck(dataDir), Timeout: 5 * time.Second})
	if m != nil {
		hc.Observe(func(name string, r health.CheckResult) {
			m.SetComponentUp(name, r.Status == health.StatusHealthy)
		})
	}

	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return err
	}
	loader.OnChange(func(old, next *config.Config) {
		applyReload(log, m, old, next)
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "error", err)
	}
	defer loader.Close()
	go func() {
		for err := range loader.Errors() {
			log.Error("config reload rejected", "error", err)
		}
	}()

	srv := api.NewServer(api.Config{
		MetricsPath:  cfg.Metrics.Path,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, api.Deps{Core: sc, Health: hc, Metrics: m, Logger: log, Tracer: sc.Tracer()})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTP.Listen, "storage", cfg.Storage.Type, "version", Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	hc.SetReady(true)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	hc.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		return err
	}
	log.Info("stopped")
	return nil
}

// restartSections lists, in config file order, the sections whose changes
// only take effect after a restart.
func restartSections(old, next *config.Config) []string {
	sections := []struct {
		name    string
		changed bool
	}{
		{"storage", old.Storage != next.Storage},
		{"keys", old.Keys != next.Keys},
		{"authority", old.Authority != next.Authority},
		{"timestamp", old.Timestamp != next.Timestamp},
		{"audit", old.Audit != next.Audit},
		{"http", old.HTTP != next.HTTP},
		{"metrics", old.Metrics != next.Metrics},
		{"tracing", old.Tracing != next.Tracing},
	}
	var out []string
	for _, s := range sections {
		if s.changed {
			out = append(out, s.name)
		}
	}
	return out
}

// applyReload applies the settings that can change at runtime. Everything
// else is logged and waits for a restart.
func applyReload(log *logging.Logger, m *metrics.Metrics, old, next *config.Config) {
	if old.Logging.Level != next.Logging.Level {
		if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
			log.SetLevel(level)
			log.Info("log level changed", "from", old.Logging.Level, "to", next.Logging.Level)
		}
	}

	for _, section := range restartSections(old, next) {
		log.Warn("configuration change requires restart", "section", section)
	}

	if m != nil {
		m.ConfigReloads.Inc()
	}
}
