// Package debounce coalesces bursts of writes to whole-collection
// destinations into one flush per quiet window.
//
// Every Schedule call for a key restarts that key's timer and joins the
// key's waiter list. When the timer fires, the waiter list is swapped out
// and cleared before the flush runs, so a call arriving during the flush
// opens a fresh batch instead of joining the one in flight. The single
// flush result is delivered to every captured waiter.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrStopped is delivered to waiters of a stopped Debouncer.
var ErrStopped = errors.New("debouncer stopped")

// Key identifies one coalescing window.
type Key struct {
	EntityType  string
	Destination string
}

func (k Key) String() string {
	return k.EntityType + "->" + k.Destination
}

// FlushFunc performs one full read-and-rewrite for a key.
type FlushFunc func(ctx context.Context) error

// Result is the outcome of one flush, shared by every waiter of the batch.
type Result struct {
	BatchID ulid.ULID
	Err     error
}

type window struct {
	timer   *time.Timer
	gen     uint64
	flush   FlushFunc
	waiters []chan Result
}

// Debouncer holds one window per key. Safe for concurrent use.
type Debouncer struct {
	mu       sync.Mutex
	windows  map[Key]*window
	keyLocks map[Key]*sync.Mutex
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Debouncer) {
		d.logger = l
	}
}

// New creates a Debouncer. Call Stop to release it.
func New(opts ...Option) *Debouncer {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Debouncer{
		windows:  make(map[Key]*window),
		keyLocks: make(map[Key]*sync.Mutex),
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Schedule joins the open window for key, or opens one, and restarts its
// timer at quiet. The flush of the most recent call is the one that runs.
//
// The returned channel receives exactly one Result and is never closed.
func (d *Debouncer) Schedule(key Key, quiet time.Duration, flush FlushFunc) <-chan Result {
	ch := make(chan Result, 1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		ch <- Result{Err: ErrStopped}
		return ch
	}

	w, ok := d.windows[key]
	if !ok {
		w = &window{}
		d.windows[key] = w
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.flush = flush
	w.waiters = append(w.waiters, ch)
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(quiet, func() {
		d.fire(key, gen)
	})
	return ch
}

// fire runs the flush for key if gen is still the current timer generation.
// A timer that lost a race with Schedule finds a newer generation and
// leaves the window to its successor.
func (d *Debouncer) fire(key Key, gen uint64) {
	d.mu.Lock()
	w, ok := d.windows[key]
	if !ok || w.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	waiters := w.waiters
	flush := w.flush
	delete(d.windows, key)

	lock, ok := d.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		d.keyLocks[key] = lock
	}
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()

	// Flushes of one key never overlap, so a later batch cannot be
	// overwritten by an earlier one finishing late.
	lock.Lock()
	err := d.runFlush(flush)
	lock.Unlock()

	res := Result{BatchID: ulid.Make(), Err: err}
	d.logger.Debug("debounce flush",
		"key", key.String(),
		"batch", res.BatchID.String(),
		"waiters", len(waiters),
		"error", err)

	for _, ch := range waiters {
		ch <- res
	}
}

func (d *Debouncer) runFlush(flush FlushFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("debounce flush panicked: %v", r)
		}
	}()
	return flush(d.ctx)
}

// FlushAll fires every open window now and waits for the flushes.
func (d *Debouncer) FlushAll() {
	type pending struct {
		key Key
		gen uint64
	}

	d.mu.Lock()
	var due []pending
	for key, w := range d.windows {
		if w.timer != nil {
			w.timer.Stop()
		}
		due = append(due, pending{key: key, gen: w.gen})
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range due {
		wg.Add(1)
		go func(p pending) {
			defer wg.Done()
			d.fire(p.key, p.gen)
		}(p)
	}
	wg.Wait()
}

// Pending returns the number of open windows.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

// Waiters returns the number of callers waiting on key's open window.
func (d *Debouncer) Waiters(key Key) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[key]; ok {
		return len(w.waiters)
	}
	return 0
}

// Stop cancels every open window, delivering ErrStopped to its waiters,
// cancels in-flight flushes and waits for them to return.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	var waiters []chan Result
	for key, w := range d.windows {
		if w.timer != nil {
			w.timer.Stop()
		}
		waiters = append(waiters, w.waiters...)
		delete(d.windows, key)
	}
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- Result{Err: ErrStopped}
	}
	d.cancel()
	d.wg.Wait()
}
