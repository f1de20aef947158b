package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/roach88/syncq/internal/catalog"
	"github.com/roach88/syncq/internal/config"
	"github.com/roach88/syncq/internal/credential"
	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/destination/relational"
	"github.com/roach88/syncq/internal/destination/sheet"
	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/logging"
	"github.com/roach88/syncq/internal/reconcile"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/strategy"
)

// app is the fully wired sync stack shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	primary    *relational.Store
	export     *sheet.Exporter // nil when export.dir is empty
	mgr        *engine.Manager
	reconciler *reconcile.Reconciler

	closers []io.Closer
}

// appOptions adjusts wiring per command.
type appOptions struct {
	// online is the manager's initial connectivity.
	online bool

	// stderr receives console logs.
	stderr io.Writer

	verbose bool
}

// loadConfig reads the config file named by --config, if any.
func loadConfig(opts *RootOptions) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(opts.ConfigPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return loader, cfg, nil
}

// openApp builds the stack described by cfg. Close releases it.
func openApp(cfg *config.Config, ao appOptions) (*app, error) {
	a := &app{cfg: cfg}

	level := cfg.Log.Level
	if ao.verbose {
		level = "debug"
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:      level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    ao.stderr,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	a.logger = logger
	a.closers = append(a.closers, logCloser)

	a.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	a.closers = append(a.closers, a.store)

	a.primary, err = relational.Open(destination.PrimaryTag, cfg.Primary.Driver, cfg.Primary.DSN)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open primary destination", err)
	}
	a.closers = append(a.closers, a.primary)

	dests := catalog.Destinations{
		Primary:      a.primary,
		ExportWindow: cfg.Debounce.ExportWindow,
		Source:       a.store,
	}
	defaultDests := []string{destination.PrimaryTag}
	if cfg.Export.Dir != "" {
		a.export, err = sheet.New(destination.ExportTag, cfg.Export.Dir)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open export destination", err)
		}
		dests.Export = a.export
		defaultDests = append(defaultDests, destination.ExportTag)
	}

	registry := strategy.NewRegistry()
	if err := catalog.Register(registry, dests); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to register strategies", err)
	}

	creds := credentials(cfg.Auth)

	mopts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithOnline(ao.online),
		engine.WithConcurrency(cfg.Queue.Concurrency),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Delays:      cfg.Queue.RetryDelays,
		}),
		engine.WithAttemptTimeout(cfg.Queue.AttemptTimeout),
		engine.WithDefaultDestinations(defaultDests...),
	}
	ropts := []reconcile.Option{
		reconcile.WithLogger(logger),
		reconcile.WithFetchTimeout(cfg.Primary.FetchTimeout),
	}
	if creds != nil {
		mopts = append(mopts, engine.WithCredentials(creds))
		ropts = append(ropts, reconcile.WithCredentials(creds))
	}

	a.mgr, err = engine.New(a.store, registry, mopts...)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create sync manager", err)
	}
	a.reconciler = reconcile.New(a.store, a.primary, append(ropts, reconcile.WithState(a.mgr))...)
	return a, nil
}

// restore loads the persisted queue into the manager.
func (a *app) restore(ctx context.Context) error {
	n, err := a.mgr.Restore(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore queue", err)
	}
	a.logger.Debug("queue restored", "items", n)
	return nil
}

// Close stops the manager and closes everything openApp opened, in
// reverse order.
func (a *app) Close() error {
	if a.mgr != nil {
		a.mgr.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// credentials builds the provider for remote calls. A token file is
// re-read on every refresh; a bare token is used until it expires.
func credentials(cfg config.AuthConfig) credential.Provider {
	switch {
	case cfg.TokenFile != "":
		read := func(context.Context) (string, error) {
			data, err := os.ReadFile(cfg.TokenFile)
			if err != nil {
				return "", fmt.Errorf("read token file: %w", err)
			}
			return strings.TrimSpace(string(data)), nil
		}
		token, _ := read(context.Background())
		return credential.NewJWTProvider(token, read)
	case cfg.Token != "":
		return credential.NewJWTProvider(cfg.Token, nil)
	}
	return nil
}
