package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"esignd/internal/ca"
	"esignd/internal/config"
	"esignd/internal/logging"
	"esignd/internal/metrics"
	"esignd/internal/security"
	"esignd/internal/signer"
	"esignd/internal/store"
	"esignd/internal/tracing"
	"esignd/internal/tsa"
)

// AuditChainLabel derives the key that authenticates the audit chain.
const AuditChainLabel = "audit-chain"

// Open builds a SignatureCore from a loaded configuration: it creates missing
// directories, loads or generates the master secret and authority keys, and
// opens the configured store. Close releases everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, log *logging.Logger, m *metrics.Metrics) (*SignatureCore, error) {
	if log == nil {
		log = logging.Nop()
	}
	cfg = cfg.Clone()
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	master, err := security.LoadOrCreateMasterSecret(cfg.Storage.MasterSecretPath)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(master)

	var closers []io.Closer
	fail := func(err error) (*SignatureCore, error) {
		closeAll(closers)
		return nil, err
	}

	st, err := openStore(cfg.Storage, master)
	if err != nil {
		return nil, err
	}
	closers = append(closers, st)

	caKey, created, err := signer.LoadOrCreatePrivateKey(cfg.Keys.AuthorityKeyPath, "esignd certificate authority")
	if err != nil {
		return fail(fmt.Errorf("authority key: %w", err))
	}
	if created {
		log.Info("generated certificate authority key", "path", cfg.Keys.AuthorityKeyPath,
			"fingerprint", signer.Fingerprint(signer.PublicKey(caKey)))
	}
	tsaKey, created, err := signer.LoadOrCreatePrivateKey(cfg.Keys.TimestampKeyPath, "esignd timestamp authority")
	if err != nil {
		return fail(fmt.Errorf("timestamp key: %w", err))
	}
	if created {
		log.Info("generated timestamp authority key", "path", cfg.Keys.TimestampKeyPath,
			"fingerprint", signer.Fingerprint(signer.PublicKey(tsaKey)))
	}

	loc, err := time.LoadLocation(cfg.Audit.Timezone)
	if err != nil {
		return fail(fmt.Errorf("audit timezone: %w", err))
	}

	coreCfg := Config{
		MasterSecret: master,
		AuthorityKey: caKey,
		TimestampKey: tsaKey,
		Authority: ca.Config{
			Name:                cfg.Authority.Name,
			Organization:        cfg.Authority.Organization,
			Country:             cfg.Authority.Country,
			Validity:            time.Duration(cfg.Authority.ValidityDays) * 24 * time.Hour,
			DefaultOrganization: cfg.Authority.DefaultOrganization,
			DefaultDepartment:   cfg.Authority.DefaultDepartment,
		},
		Timestamp: tsa.Config{
			Name:       cfg.Timestamp.Name,
			Timezone:   cfg.Timestamp.Timezone,
			AccuracyMs: cfg.Timestamp.AccuracyMs,
		},
		AuditLocation: loc,
		Metrics:       m,
		Logger:        log,
	}

	if cfg.Audit.Journal {
		jcfg := cfg.Audit.JournalConfig()
		jcfg.Component = "esignd"
		journal, err := logging.NewJournal(jcfg)
		if err != nil {
			return fail(fmt.Errorf("audit journal: %w", err))
		}
		closers = append(closers, journal)
		coreCfg.Journal = journal
	}

	tracer, err := openTracer(cfg.Tracing, log)
	if err != nil {
		return fail(fmt.Errorf("tracing: %w", err))
	}
	closers = append(closers, tracer)
	coreCfg.Tracer = tracer

	c, err := New(ctx, st, coreCfg)
	if err != nil {
		return fail(err)
	}
	c.closers = closers
	return c, nil
}

func openStore(cfg config.StorageConfig, master []byte) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite", "":
		macKey, err := security.DeriveKeyWithLabel(master, AuditChainLabel, 32)
		if err != nil {
			return nil, fmt.Errorf("derive audit key: %w", err)
		}
		st, err := store.Open(cfg.Path, macKey)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func openTracer(cfg config.TracingConfig, log *logging.Logger) (*tracing.Tracer, error) {
	if !cfg.Enabled {
		return tracing.Nop(), nil
	}
	var exp tracing.Exporter
	switch cfg.Exporter {
	case "file":
		fe, err := tracing.NewFileExporter(cfg.FileConfig())
		if err != nil {
			return nil, err
		}
		exp = fe
	case "log", "":
		exp = tracing.NewLogExporter(log)
	default:
		return nil, fmt.Errorf("unknown span exporter %q", cfg.Exporter)
	}
	return tracing.New(tracing.Config{Service: "esignd", SampleRatio: cfg.SampleRatio, Exporter: exp}), nil
}

// Close releases the store, journal and span exporter acquired by Open. Cores built with
// New own nothing and Close is a no-op.
func (c *SignatureCore) Close() error {
	return closeAll(c.closers)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
