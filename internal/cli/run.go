package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncq/internal/catalog"
	"github.com/roach88/syncq/internal/config"
	"github.com/roach88/syncq/internal/dashboard"
	"github.com/roach88/syncq/internal/destination"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon.

The daemon restores the persisted queue, probes the primary database and
delivers queued mutations while it is reachable. Each time connectivity
returns, cached records are reconciled against the primary and the queue
drains. Edits to the config file's "online" switch apply without a restart.

Example:
  syncq run --config syncq.yaml
  syncq run -c syncq.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(rootOpts, cmd)
		},
	}
	return cmd
}

func runDaemon(opts *RootOptions, cmd *cobra.Command) error {
	loader, cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// Offline until the first probe succeeds.
	a, err := openApp(cfg, appOptions{online: false, stderr: cmd.ErrOrStderr(), verbose: opts.Verbose})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.logger.Error("error closing sync stack", "error", closeErr)
		}
	}()
	slog.SetDefault(a.logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.restore(ctx); err != nil {
		return err
	}

	mon := newMonitor(a.primary, a.mgr, cfg.Primary.ProbeInterval, a.logger)
	mon.setManual(cfg.Online)
	mon.onOnline = func(ctx context.Context) {
		if _, err := a.reconciler.ReconcileAll(ctx, catalog.Types()); err != nil {
			a.logger.Warn("reconcile after reconnect failed", "error", err)
		}
	}
	loader.Watch(func(c *config.Config) {
		mon.setManual(c.Online)
	})

	if cfg.Dashboard.Addr != "" {
		srv := dashboard.NewServer(a.mgr, &dashboard.Config{
			Addr:          cfg.Dashboard.Addr,
			StatsInterval: 5 * time.Second,
			Logger:        a.logger,
		})
		if err := srv.Start(); err != nil {
			return WrapExitError(ExitCommandError, "failed to start dashboard", err)
		}
		defer func() {
			if stopErr := srv.Stop(); stopErr != nil {
				a.logger.Error("error stopping dashboard", "error", stopErr)
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Dashboard at http://%s\n", srv.Addr())
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Sync daemon started. Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.mgr.Run(gctx)
	})
	g.Go(func() error {
		return mon.run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "sync daemon error", err)
	}

	a.logger.Info("sync daemon stopped gracefully")
	return nil
}

// onlineSwitch is the manager's connectivity flag.
type onlineSwitch interface {
	IsOnline() bool
	SetOnline(online bool)
}

// monitor keeps the manager's connectivity in step with the manual switch
// and the primary's reachability. Online requires both.
type monitor struct {
	target   destination.Pinger
	state    onlineSwitch
	interval time.Duration
	logger   *slog.Logger

	// onOnline runs after every offline to online transition.
	onOnline func(ctx context.Context)

	manual atomic.Bool
	kick   chan struct{}
}

func newMonitor(target destination.Pinger, state onlineSwitch, interval time.Duration, logger *slog.Logger) *monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &monitor{
		target:   target,
		state:    state,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// setManual flips the manual switch and schedules an immediate probe.
func (m *monitor) setManual(online bool) {
	if m.manual.Swap(online) == online {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// run probes immediately and then every interval until ctx is done.
func (m *monitor) run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.kick:
		}
		m.probe(ctx)
	}
}

// probe applies one connectivity check.
func (m *monitor) probe(ctx context.Context) {
	online := m.manual.Load()
	if online {
		pctx, cancel := context.WithTimeout(ctx, m.interval)
		err := m.target.Ping(pctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("primary unreachable", "error", err)
			online = false
		}
	}

	was := m.state.IsOnline()
	if online == was {
		return
	}
	m.state.SetOnline(online)
	m.logger.Info("connectivity changed", "online", online)
	if online && m.onOnline != nil {
		m.onOnline(ctx)
	}
}
