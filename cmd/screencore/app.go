package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"screencore/internal/blob"
	"screencore/internal/catalog"
	"screencore/internal/config"
	"screencore/internal/core"
	"screencore/internal/isogen"
	"screencore/internal/tickets"
)

type appOptions struct {
	configPath  string
	logLevel    string
	metricsFile string
	traceFile   string
}

// app holds the wired service and everything that must be released after a
// command ran.
type app struct {
	cfg     config.Config
	svc     *core.Service
	catalog catalog.Catalog
	logger  *slog.Logger
	stderr  io.Writer
	closers []func() error
}

func newApp(ctx context.Context, opts appOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		stderr: stderr,
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
	}
	if err := a.wire(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	settings, err := core.SettingsFromConfig(a.cfg.Pipeline)
	if err != nil {
		return err
	}

	store, closeStore, err := core.OpenPersistentStore(ctx, a.cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeStore)

	cat, err := openCatalog(ctx, a.cfg.Catalog)
	if err != nil {
		return err
	}
	a.catalog = cat
	if c, ok := cat.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	reports, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return err
	}

	svcOpts := []core.Option{
		core.WithLogger(a.logger),
		core.WithSettings(settings),
		core.WithTickets(tickets.NewMemoryTracker(a.cfg.Tickets.FirstNumber)),
		core.WithReportStore(reports),
		core.WithBarcodes(&isogen.SequenceBarcodes{Last: a.cfg.Pipeline.LastRackBarcode}),
	}

	metrics, err := a.metricsRecorder(opts.metricsFile)
	if err != nil {
		return err
	}
	if metrics != nil {
		svcOpts = append(svcOpts, core.WithMetricsRecorder(metrics))
	}

	if opts.traceFile != "" {
		f, err := os.OpenFile(opts.traceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304: operator supplied path
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		svcOpts = append(svcOpts, core.WithTracer(core.NewJSONTracer(f)))
	}

	a.svc = core.NewService(store, cat, svcOpts...)
	return nil
}

// metricsRecorder builds the configured exporter. When a metrics file is
// given the snapshot is written there on Close.
func (a *app) metricsRecorder(path string) (core.MetricsRecorder, error) {
	switch a.cfg.Metrics {
	case "", "none":
		return nil, nil
	case "prometheus":
		reg := prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return nil, err
		}
		if path != "" {
			a.closers = append(a.closers, func() error {
				return prometheus.WriteToTextfile(path, reg)
			})
		}
		return rec, nil
	default:
		rec := core.NewExpvarMetricsRecorder("")
		if path != "" {
			a.closers = append(a.closers, func() error {
				f, err := os.Create(path) // #nosec G304: operator supplied path
				if err != nil {
					return fmt.Errorf("create metrics file: %w", err)
				}
				if err := rec.WriteJSON(f); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			})
		}
		return rec, nil
	}
}

func openCatalog(ctx context.Context, cfg config.Catalog) (catalog.Catalog, error) {
	var (
		cat interface {
			catalog.Catalog
			catalog.Registry
		}
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		cat, err = catalog.OpenSQL(ctx, "sqlite", cfg.DSN)
	case "postgres":
		cat, err = catalog.OpenSQL(ctx, "pgx", cfg.DSN)
	default:
		cat = catalog.NewMemory(cfg.FirstPoolID)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Fixture == "" {
		return cat, nil
	}
	if err := loadFixture(ctx, cat, cfg.Fixture); err != nil {
		if c, ok := cat.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return cat, nil
}

func loadFixture(ctx context.Context, reg catalog.Registry, path string) error {
	f, err := os.Open(path) // #nosec G304: operator supplied path
	if err != nil {
		return fmt.Errorf("open catalog fixture: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := catalog.LoadFixture(ctx, reg, f); err != nil {
		return fmt.Errorf("load catalog fixture: %w", err)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
