package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/syncq/internal/credential"
	"github.com/roach88/syncq/internal/debounce"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/strategy"
)

// DefaultConcurrency is the default number of items processed at once.
const DefaultConcurrency = 3

// DefaultAttemptTimeout bounds each destination call.
const DefaultAttemptTimeout = 30 * time.Second

// Manager is the sync scheduler.
//
// Enqueue persists a mutation and returns; delivery happens in workers
// dispatched by Run (or by ForceDrain). The manager never returns delivery
// failures to callers: they are recorded on the item and visible through
// Stats, Items and Subscribe.
//
// Thread-safety model:
//   - All public methods are safe from any goroutine
//   - Run must be called from exactly one goroutine
//   - Queue state is guarded by mu; store writes happen outside mu and
//     are serialized by persistMu
//   - admitMu covers the local write, seq assignment and chain join of
//     Enqueue and Requeue, so an entity's chain order follows its
//     revision order. Lock order: admitMu, persistMu, mu
type Manager struct {
	store     *store.Store
	registry  *strategy.Registry
	debouncer *debounce.Debouncer
	clock     *Clock
	ids       IDGenerator
	now       func() time.Time
	logger    *slog.Logger
	creds     credential.Provider

	policy         RetryPolicy
	concurrency    int
	attemptTimeout time.Duration
	destinations   []string
	sem            *semaphore.Weighted

	mu       sync.Mutex
	queue    *itemQueue
	online   bool
	inFlight int
	parked   int // in-flight items waiting on a debounce result
	timers   map[string]*time.Timer
	changed  chan struct{}

	admitMu   sync.Mutex
	persistMu sync.Mutex

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int

	signal  chan struct{} // buffered, size 1
	workers sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithConcurrency sets the number of items processed in parallel.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		m.concurrency = n
	}
}

// WithRetryPolicy sets the attempt limit and backoff for new items.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithAttemptTimeout bounds each destination call. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.attemptTimeout = d
	}
}

// WithCredentials acquires a credential before every remote call and
// passes it in the call's context (see credential.FromContext).
func WithCredentials(p credential.Provider) Option {
	return func(m *Manager) {
		m.creds = p
	}
}

// WithIDGenerator sets the queue item id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithNow sets the wall clock used for item timestamps.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithOnline sets the initial connectivity state. Default online.
func WithOnline(online bool) Option {
	return func(m *Manager) {
		m.online = online
	}
}

// WithDefaultDestinations sets the destinations used when a request names none.
func WithDefaultDestinations(dests ...string) Option {
	return func(m *Manager) {
		m.destinations = append([]string(nil), dests...)
	}
}

// WithDebouncer shares a debouncer. By default the manager creates one.
func WithDebouncer(d *debounce.Debouncer) Option {
	return func(m *Manager) {
		m.debouncer = d
	}
}

// New creates a Manager over the given store and strategies.
func New(s *store.Store, registry *strategy.Registry, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:          s,
		registry:       registry,
		clock:          NewClock(),
		ids:            UUIDv7Generator{},
		now:            time.Now,
		logger:         slog.Default(),
		policy:         DefaultRetryPolicy,
		concurrency:    DefaultConcurrency,
		attemptTimeout: DefaultAttemptTimeout,
		queue:          newItemQueue(),
		online:         true,
		timers:         make(map[string]*time.Timer),
		changed:        make(chan struct{}),
		subs:           make(map[int]func(Event)),
		signal:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.concurrency < 1 {
		return nil, fmt.Errorf("sync manager: concurrency must be >= 1, got %d", m.concurrency)
	}
	if err := m.policy.Validate(); err != nil {
		return nil, fmt.Errorf("sync manager: %w", err)
	}
	if m.debouncer == nil {
		m.debouncer = debounce.New(debounce.WithLogger(m.logger))
	}
	m.sem = semaphore.NewWeighted(int64(m.concurrency))
	return m, nil
}

// Enqueue records a local mutation and queues its delivery.
//
// Creates and updates are written to the store unsynced; deletes are
// removed from the store. The returned item carries a snapshot of the
// entity taken now, so later edits do not change what this item delivers.
// Errors are request errors or store.LocalStoreError; delivery failures
// are never returned here.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (Item, error) {
	strat, ok := m.registry.Lookup(req.EntityType)
	if !ok {
		return Item{}, NewUnknownEntityTypeError(req.EntityType)
	}
	if !req.Operation.Valid() {
		return Item{}, fmt.Errorf("enqueue %s: invalid operation %d", req.EntityType, req.Operation)
	}
	if req.Entity.ID == "" {
		return Item{}, fmt.Errorf("enqueue %s: entity id is required", req.EntityType)
	}

	dests := req.Destinations
	if len(dests) == 0 {
		dests = m.destinations
	}
	if len(dests) == 0 {
		return Item{}, fmt.Errorf("enqueue %s/%s: no destinations", req.EntityType, req.Entity.ID)
	}
	seen := make(map[string]bool, len(dests))
	for _, d := range dests {
		if seen[d] {
			return Item{}, fmt.Errorf("enqueue %s/%s: duplicate destination %q", req.EntityType, req.Entity.ID, d)
		}
		seen[d] = true
		if r, ok := strat.(strategy.Router); ok && !r.Supports(d) {
			return Item{}, fmt.Errorf("enqueue %s/%s: destination %q not supported", req.EntityType, req.Entity.ID, d)
		}
	}

	e := req.Entity.Clone()
	e.Type = req.EntityType
	e.Synced = false
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = m.now()
	}

	out, err := m.admit(ctx, req, e, dests)
	if err != nil {
		return Item{}, err
	}

	m.logger.Debug("item enqueued",
		"item", out.ID,
		"entity", out.Key().String(),
		"operation", out.Operation.String(),
		"priority", out.Priority,
		"destinations", out.Destinations,
		"seq", out.Seq,
	)
	m.emit(EventEnqueued, out)
	m.wake()
	return out, nil
}

// admit writes e locally, then persists and queues its item. It holds
// admitMu throughout so concurrent admissions of one entity join its chain
// in revision order.
func (m *Manager) admit(ctx context.Context, req EnqueueRequest, e entity.Entity, dests []string) (Item, error) {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	switch req.Operation {
	case entity.OperationDelete:
		if cur, err := m.store.Get(ctx, e.Type, e.ID); err == nil {
			if e.Fields == nil {
				e.Fields = cur.Fields
			}
			e.Revision = cur.Revision
		} else if !errors.Is(err, store.ErrNotFound) {
			return Item{}, err
		}
		if err := m.store.Delete(ctx, e.Type, e.ID); err != nil {
			return Item{}, err
		}
	default:
		stored, err := m.store.Put(ctx, e)
		if err != nil {
			return Item{}, err
		}
		e = stored
	}

	payload, _, err := entity.Snapshot(e)
	if err != nil {
		return Item{}, fmt.Errorf("enqueue %s/%s: %w", e.Type, e.ID, err)
	}

	it := &Item{
		ID:           m.ids.Generate(),
		Tenant:       req.Tenant,
		EntityType:   e.Type,
		EntityID:     e.ID,
		Operation:    req.Operation,
		Payload:      payload,
		Revision:     e.Revision,
		Destinations: append([]string(nil), dests...),
		Priority:     req.Priority,
		Status:       StatusPending,
		MaxAttempts:  m.policy.MaxAttempts,
		RetryDelays:  append([]time.Duration(nil), m.policy.Delays...),
		Seq:          m.clock.Next(),
		CreatedAt:    m.now(),
	}

	rec, err := it.record()
	if err != nil {
		return Item{}, err
	}
	m.persistMu.Lock()
	err = m.store.SaveQueueRecord(ctx, rec)
	m.persistMu.Unlock()
	if err != nil {
		return Item{}, err
	}

	m.mu.Lock()
	m.queue.add(it)
	out := it.clone()
	m.notifyLocked()
	m.mu.Unlock()

	return out, nil
}

// Run dispatches items to workers until ctx is cancelled.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// On cancellation Run waits for in-flight workers. Items whose delivery
// was interrupted return to pending without counting an attempt.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sync manager starting",
		"concurrency", m.concurrency,
		"max_attempts", m.policy.MaxAttempts,
		"online", m.IsOnline(),
	)

	for {
		m.dispatch(ctx)

		select {
		case <-ctx.Done():
			m.logger.Info("sync manager stopping: context cancelled")
			m.workers.Wait()
			return ctx.Err()
		case <-m.signal:
		}
	}
}

// Close stops retry timers and the debouncer. Call after Run returns.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.debouncer.Stop()
	m.workers.Wait()
}

// dispatch starts workers for eligible items while slots are free.
func (m *Manager) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		if !m.sem.TryAcquire(1) {
			return
		}

		m.mu.Lock()
		var it *Item
		if m.online {
			it = m.queue.next()
		}
		if it == nil {
			m.mu.Unlock()
			m.sem.Release(1)
			return
		}
		now := m.now()
		it.Status = StatusProcessing
		it.LastAttemptAt = now
		if it.FirstAttemptAt.IsZero() {
			it.FirstAttemptAt = now
		}
		it.NextAttemptAt = time.Time{}
		m.inFlight++
		snapshot := it.clone()
		m.notifyLocked()
		m.mu.Unlock()

		m.save(ctx, snapshot.ID)
		m.emit(EventProcessing, snapshot)

		m.workers.Add(1)
		go func() {
			defer m.workers.Done()
			m.process(ctx, snapshot)
			// Release before signalling so waiters that retry dispatch
			// find the slot free.
			m.sem.Release(1)
			m.notify()
			m.wake()
		}()
	}
}

// SetOnline records a connectivity change. Going online promotes every
// retrying item to pending immediately, without waiting for its backoff.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var promoted []string
	if online {
		promoted = m.promoteRetryingLocked()
	}
	m.notifyLocked()
	m.mu.Unlock()

	for _, id := range promoted {
		m.save(context.Background(), id)
	}

	typ := EventOffline
	if online {
		typ = EventOnline
	}
	m.logger.Info("connectivity changed", "online", online, "promoted", len(promoted))
	m.emit(typ, Item{})
	m.wake()
}

// IsOnline reports the connectivity state.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// promoteRetryingLocked moves every retrying item to pending and cancels
// its timer. Caller must hold mu.
func (m *Manager) promoteRetryingLocked() []string {
	var ids []string
	for _, it := range m.queue.withStatus(StatusRetrying) {
		m.stopTimerLocked(it.ID)
		it.Status = StatusPending
		it.NextAttemptAt = time.Time{}
		ids = append(ids, it.ID)
	}
	return ids
}

// ForceDrain processes every due item now and returns once none is
// pending or processing. Retrying items are promoted first. Once all
// dispatched items wait on the debouncer, open windows are flushed without
// waiting for their quiet period.
// Items that fail again are left retrying or failed.
func (m *Manager) ForceDrain(ctx context.Context) error {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return ErrOffline
	}
	promoted := m.promoteRetryingLocked()
	m.notifyLocked()
	m.mu.Unlock()
	for _, id := range promoted {
		m.save(ctx, id)
	}

	for {
		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()

		m.dispatch(ctx)

		// Flush only once every dispatched item waits on the debouncer,
		// so the items of one drain share a single rewrite.
		m.mu.Lock()
		allParked := m.inFlight > 0 && m.parked == m.inFlight
		m.mu.Unlock()
		if allParked && m.debouncer.Pending() > 0 {
			m.debouncer.FlushAll()
		}

		m.mu.Lock()
		online := m.online
		counts := m.queue.counts()
		busy := counts[StatusPending] > 0 || counts[StatusProcessing] > 0 || m.inFlight > 0
		m.mu.Unlock()

		if !busy {
			return nil
		}
		if !online {
			return ErrOffline
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// WaitIdle blocks until no item is pending, processing or retrying.
// It does not dispatch; Run must be active for the queue to make progress.
func (m *Manager) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		changed := m.changed
		counts := m.queue.counts()
		idle := counts[StatusPending] == 0 && counts[StatusProcessing] == 0 &&
			counts[StatusRetrying] == 0 && m.inFlight == 0
		m.mu.Unlock()

		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Stats returns a snapshot of queue counts and state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.queue.counts()
	return Stats{
		PendingCount:    counts[StatusPending] + counts[StatusProcessing] + counts[StatusRetrying],
		ProcessingCount: counts[StatusProcessing],
		RetryingCount:   counts[StatusRetrying],
		FailedCount:     counts[StatusFailed],
		IsOnline:        m.online,
		IsProcessing:    m.inFlight > 0,
	}
}

// Items returns copies of the items matching f, in enqueue order.
func (m *Manager) Items(f ItemFilter) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.queue.list(f)
	out := make([]Item, len(list))
	for i, it := range list {
		out[i] = it.clone()
	}
	return out
}

// Item returns a copy of one item.
func (m *Manager) Item(id string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.queue.get(id)
	if !ok {
		return Item{}, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	return it.clone(), nil
}

// Subscribe registers fn for every queue transition and returns a func
// that removes it. fn runs synchronously on the goroutine that made the
// change and must not block.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) emit(typ EventType, it Item) {
	m.subMu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()

	ev := Event{Type: typ, Item: it, At: m.now()}
	for _, fn := range subs {
		fn(ev)
	}
}

// wake nudges the Run loop (non-blocking - buffer of 1 coalesces signals).
func (m *Manager) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// notifyLocked releases everyone waiting for a state change.
// Caller must hold mu.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) notify() {
	m.mu.Lock()
	m.notifyLocked()
	m.mu.Unlock()
}

func (m *Manager) stopTimerLocked(id string) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// save persists the current in-memory state of item id. Items no longer
// in memory are skipped; their records are removed by whoever removed them.
func (m *Manager) save(ctx context.Context, id string) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	it, ok := m.queue.get(id)
	var rec store.QueueRecord
	var err error
	if ok {
		rec, err = it.record()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err == nil {
		err = m.store.SaveQueueRecord(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		m.logger.Error("persist queue item failed",
			"item", id,
			"status", rec.Status,
			"error", err,
		)
	}
}

// drop removes item id from memory and from the persisted queue.
func (m *Manager) drop(ctx context.Context, id string) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	m.stopTimerLocked(id)
	m.queue.remove(id)
	m.notifyLocked()
	m.mu.Unlock()

	if err := m.store.DeleteQueueRecord(context.WithoutCancel(ctx), id); err != nil {
		m.logger.Error("delete queue record failed", "item", id, "error", err)
	}
}
