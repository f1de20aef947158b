// Package reconcile merges authoritative snapshots from the primary
// destination into the local store.
//
// A pass never evicts unsynced local records (store.ReplaceAll keeps
// them) and never reports a remote failure to the caller: when the
// primary cannot be read the local cache is served as-is and the failure
// is logged and returned in the Result.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncq/internal/credential"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/store"
)

// DefaultFetchTimeout bounds one FetchAll call.
const DefaultFetchTimeout = 30 * time.Second

// Fetcher reads every record of a type from the store of record.
// destination.Primary satisfies it.
type Fetcher interface {
	FetchAll(ctx context.Context, entityType string) ([]entity.Entity, error)
}

// State reports the sync manager's view of the world. *engine.Manager
// satisfies it.
type State interface {
	IsOnline() bool
	// PendingDeletes returns ids with an undelivered local delete.
	PendingDeletes(entityType string) map[string]bool
}

// Origin tells where a pass took its records from.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginCache  Origin = "cache"
)

// Result describes one reconciled type.
type Result struct {
	EntityType string `json:"entity_type"`
	Origin     Origin `json:"origin"`

	// Fetched counts authoritative records applied; Skipped those left
	// out because a local delete is still queued.
	Fetched int `json:"fetched"`
	Skipped int `json:"skipped"`

	// Entities is the local cache after the pass.
	Entities []entity.Entity `json:"-"`

	// FetchErr is the remote failure that made the pass fall back to
	// the cache, if any.
	FetchErr error `json:"-"`
}

// Reconciler refreshes the local cache from the primary destination.
type Reconciler struct {
	store   *store.Store
	primary Fetcher
	state   State
	creds   credential.Provider
	timeout time.Duration
	limit   int
	logger  *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithState consults s for connectivity and queued deletes. Without it
// the reconciler assumes online with nothing queued.
func WithState(s State) Option {
	return func(r *Reconciler) { r.state = s }
}

// WithCredentials acquires a credential before each fetch.
func WithCredentials(p credential.Provider) Option {
	return func(r *Reconciler) { r.creds = p }
}

// WithFetchTimeout bounds each fetch. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// WithParallelism caps how many types ReconcileAll fetches at once.
func WithParallelism(n int) Option {
	return func(r *Reconciler) { r.limit = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler reading from primary into s.
func New(s *store.Store, primary Fetcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   s,
		primary: primary,
		timeout: DefaultFetchTimeout,
		limit:   4,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile refreshes one entity type.
//
// Offline, or when the fetch fails, the cached records are returned
// unchanged. The returned error is non-nil only when the local store
// itself fails.
func (r *Reconciler) Reconcile(ctx context.Context, entityType string) (Result, error) {
	res := Result{EntityType: entityType, Origin: OriginCache}

	if r.state != nil && !r.state.IsOnline() {
		r.logger.Debug("reconcile skipped: offline", "entity_type", entityType)
		return r.fromCache(ctx, res)
	}

	remote, err := r.fetch(ctx, entityType)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r.logger.Warn("reconcile fetch failed, serving cache",
			"entity_type", entityType,
			"error", err,
		)
		res.FetchErr = err
		return r.fromCache(ctx, res)
	}

	var pending map[string]bool
	if r.state != nil {
		pending = r.state.PendingDeletes(entityType)
	}
	authoritative := make([]entity.Entity, 0, len(remote))
	for _, e := range remote {
		if pending[e.ID] {
			res.Skipped++
			continue
		}
		e.Type = entityType
		authoritative = append(authoritative, e)
	}

	if err := r.store.ReplaceAll(ctx, entityType, authoritative); err != nil {
		return res, err
	}
	res.Origin = OriginRemote
	res.Fetched = len(authoritative)

	res, err = r.fromCache(ctx, res)
	if err != nil {
		return res, err
	}
	r.logger.Info("reconciled",
		"entity_type", entityType,
		"fetched", res.Fetched,
		"skipped", res.Skipped,
		"cached", len(res.Entities),
	)
	return res, nil
}

// ReconcileAll refreshes every type concurrently. Results are in the
// order of types. It stops at the first local store error.
func (r *Reconciler) ReconcileAll(ctx context.Context, types []string) ([]Result, error) {
	results := make([]Result, len(types))
	g, gctx := errgroup.WithContext(ctx)
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for i, typ := range types {
		g.Go(func() error {
			res, err := r.Reconcile(gctx, typ)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", typ, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Reconciler) fetch(ctx context.Context, entityType string) ([]entity.Entity, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if r.creds != nil {
		c, err := credential.Acquire(ctx, r.creds)
		if err != nil {
			return nil, fmt.Errorf("acquire credential: %w", err)
		}
		ctx = credential.NewContext(ctx, c)
	}
	return r.primary.FetchAll(ctx, entityType)
}

func (r *Reconciler) fromCache(ctx context.Context, res Result) (Result, error) {
	cached, err := r.store.GetAll(ctx, res.EntityType)
	if err != nil {
		return res, err
	}
	res.Entities = cached
	return res, nil
}
