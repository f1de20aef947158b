package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/syncq/internal/credential"
	"github.com/roach88/syncq/internal/debounce"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/strategy"
)

// process delivers one item to its destinations in order and records the
// outcome. Called on a worker goroutine with it in processing state.
func (m *Manager) process(ctx context.Context, it Item) {
	strat, ok := m.registry.Lookup(it.EntityType)
	if !ok {
		m.fail(ctx, it, NewUnknownEntityTypeError(it.EntityType), false)
		return
	}

	mut := strategy.Mutation{
		Tenant:    it.Tenant,
		Operation: it.Operation,
		Entity:    it.Payload.Clone(),
	}

	if err := strat.Validate(mut); err != nil {
		m.fail(ctx, it, &SyncError{
			Code:    ErrCodeValidation,
			Message: "payload rejected",
			ItemID:  it.ID,
			Err:     err,
		}, false)
		return
	}

	delivered := make([]string, 0, len(it.Destinations))
	for i, dest := range it.Destinations {
		if err := checkOrder(it, delivered, i); err != nil {
			m.logger.Error("destination order violation",
				"item", it.ID,
				"destination", dest,
				"delivered", delivered,
			)
			var serr *SyncError
			if !errors.As(err, &serr) {
				serr = &SyncError{Code: ErrCodeOrderViolation, Message: err.Error(), ItemID: it.ID, Err: err}
			}
			m.fail(ctx, it, serr, false)
			return
		}

		dm := mut
		if p, ok := strat.(strategy.Preparer); ok {
			prepared, err := p.PrepareForDestination(dest, mut.Clone())
			if err != nil {
				m.failAttempt(ctx, it, dest, err)
				return
			}
			dm = prepared
		}

		if err := m.deliver(ctx, strat, it, dest, dm); err != nil {
			m.failAttempt(ctx, it, dest, err)
			return
		}
		delivered = append(delivered, dest)

		if h, ok := strat.(strategy.SuccessHook); ok {
			h.OnSuccess(ctx, dest, dm)
		}
		m.logger.Debug("destination accepted",
			"item", it.ID,
			"entity", it.Key().String(),
			"destination", dest,
		)
	}

	m.complete(ctx, it)
}

// checkOrder verifies destination i runs only after 0..i-1 succeeded.
func checkOrder(it Item, delivered []string, i int) error {
	if len(delivered) != i {
		pending := it.Destinations[len(delivered)]
		return NewOrderViolationError(it.ID, it.Destinations[i], pending)
	}
	for j, d := range delivered {
		if it.Destinations[j] != d {
			return NewOrderViolationError(it.ID, it.Destinations[i], it.Destinations[j])
		}
	}
	return nil
}

// deliver sends one mutation to one destination, through the debouncer
// when the strategy coalesces that destination.
func (m *Manager) deliver(ctx context.Context, strat strategy.Strategy, it Item, dest string, mut strategy.Mutation) error {
	if d, ok := strat.(strategy.Debounced); ok {
		if cfg := d.Debounce(dest); cfg != nil {
			key := debounce.Key{EntityType: it.EntityType, Destination: dest}
			flush := cfg.Flush
			ch := m.debouncer.Schedule(key, cfg.Window, func(fctx context.Context) error {
				return m.call(fctx, flush)
			})
			m.mu.Lock()
			m.parked++
			m.notifyLocked()
			m.mu.Unlock()
			defer func() {
				m.mu.Lock()
				m.parked--
				m.mu.Unlock()
			}()

			select {
			case res := <-ch:
				if res.Err != nil {
					return fmt.Errorf("batch %s: %w", res.BatchID, res.Err)
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return m.call(ctx, func(cctx context.Context) error {
		return strat.SyncToDestination(cctx, dest, mut)
	})
}

// call runs fn bounded by the attempt timeout and with a valid credential.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	if m.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.attemptTimeout)
		defer cancel()
	}
	if m.creds != nil {
		c, err := credential.Acquire(ctx, m.creds)
		if err != nil {
			return fmt.Errorf("acquire credential: %w", err)
		}
		ctx = credential.NewContext(ctx, c)
	}
	return fn(ctx)
}

// failAttempt classifies a destination failure. Validation errors fail
// the item permanently; an interrupted shutdown returns it to pending;
// anything else counts an attempt and backs off.
func (m *Manager) failAttempt(ctx context.Context, it Item, dest string, err error) {
	if ctx.Err() != nil {
		m.interrupt(ctx, it, dest, err)
		return
	}
	if strategy.IsValidationError(err) {
		m.fail(ctx, it, &SyncError{
			Code:        ErrCodeValidation,
			Message:     "destination rejected payload",
			ItemID:      it.ID,
			Destination: dest,
			Err:         err,
		}, false)
		return
	}

	serr := &SyncError{
		Code:        ErrCodeTransient,
		ItemID:      it.ID,
		Destination: dest,
		Err:         err,
	}
	if errors.Is(err, context.DeadlineExceeded) {
		serr.Message = "attempt timed out"
	}

	m.mu.Lock()
	m.inFlight--
	cur, ok := m.queue.get(it.ID)
	if !ok {
		m.notifyLocked()
		m.mu.Unlock()
		return
	}
	cur.Attempts++
	cur.LastError = serr.Error()
	cur.ErrorKind = serr.Code

	if cur.Attempts >= cur.MaxAttempts {
		cur.Status = StatusFailed
		cur.NextAttemptAt = time.Time{}
		m.queue.leave(cur)
		out := cur.clone()
		m.notifyLocked()
		m.mu.Unlock()

		m.logger.Warn("item failed after retries",
			"item", out.ID,
			"entity", out.Key().String(),
			"destination", dest,
			"attempts", out.Attempts,
			"error", err,
		)
		m.save(ctx, out.ID)
		m.emit(EventFailed, out)
		return
	}

	delay := retryDelay(cur.RetryDelays, cur.Attempts)
	cur.Status = StatusRetrying
	cur.NextAttemptAt = m.now().Add(delay)
	id := cur.ID
	attempts := cur.Attempts
	m.stopTimerLocked(id)
	m.timers[id] = time.AfterFunc(delay, func() {
		m.retryDue(id, attempts)
	})
	out := cur.clone()
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.Info("item retrying",
		"item", out.ID,
		"entity", out.Key().String(),
		"destination", dest,
		"attempts", out.Attempts,
		"delay", delay,
		"error", err,
	)
	m.save(ctx, out.ID)
	m.emit(EventRetrying, out)
}

// retryDue returns a retrying item to pending when its backoff elapses.
// attempts guards against a timer that fired after the item moved on.
func (m *Manager) retryDue(id string, attempts int) {
	m.mu.Lock()
	cur, ok := m.queue.get(id)
	if !ok || cur.Status != StatusRetrying || cur.Attempts != attempts {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	cur.Status = StatusPending
	cur.NextAttemptAt = time.Time{}
	m.notifyLocked()
	m.mu.Unlock()

	m.save(context.Background(), id)
	m.wake()
}

// interrupt returns an item whose delivery was cut short by shutdown to
// pending. The attempt is not counted.
func (m *Manager) interrupt(ctx context.Context, it Item, dest string, err error) {
	m.mu.Lock()
	m.inFlight--
	cur, ok := m.queue.get(it.ID)
	if !ok {
		m.notifyLocked()
		m.mu.Unlock()
		return
	}
	cur.Status = StatusPending
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.Info("delivery interrupted", "item", it.ID, "destination", dest, "error", err)
	m.save(ctx, it.ID)
}

// fail marks an item permanently failed. Attempts are unchanged unless
// countAttempt is set.
func (m *Manager) fail(ctx context.Context, it Item, serr *SyncError, countAttempt bool) {
	if serr.ItemID == "" {
		serr.ItemID = it.ID
	}

	m.mu.Lock()
	m.inFlight--
	cur, ok := m.queue.get(it.ID)
	if !ok {
		m.notifyLocked()
		m.mu.Unlock()
		return
	}
	if countAttempt {
		cur.Attempts++
	}
	cur.Status = StatusFailed
	cur.LastError = serr.Error()
	cur.ErrorKind = serr.Code
	cur.NextAttemptAt = time.Time{}
	m.queue.leave(cur)
	out := cur.clone()
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.Warn("item failed",
		"item", out.ID,
		"entity", out.Key().String(),
		"kind", string(serr.Code),
		"error", serr.Error(),
	)
	m.save(ctx, out.ID)
	m.emit(EventFailed, out)
}

// complete records a fully delivered item: the entity is marked synced if
// it has not been edited since, and the item leaves the queue.
func (m *Manager) complete(ctx context.Context, it Item) {
	if it.Operation != entity.OperationDelete {
		ok, err := m.store.MarkSyncedRevision(context.WithoutCancel(ctx), it.EntityType, it.EntityID, it.Revision)
		if err != nil {
			m.fail(ctx, it, &SyncError{
				Code:    ErrCodeLocalStore,
				Message: "delivered but could not mark synced",
				Err:     err,
			}, false)
			return
		}
		if !ok {
			m.logger.Debug("entity changed during delivery, left unsynced",
				"item", it.ID,
				"entity", it.Key().String(),
				"revision", it.Revision,
			)
		}
	}

	m.persistMu.Lock()
	if err := m.store.DeleteQueueRecord(context.WithoutCancel(ctx), it.ID); err != nil {
		m.logger.Error("delete queue record failed", "item", it.ID, "error", err)
	}
	m.mu.Lock()
	m.inFlight--
	cur, ok := m.queue.get(it.ID)
	var out Item
	if ok {
		cur.Status = StatusCompleted
		cur.LastError = ""
		cur.ErrorKind = ""
		out = cur.clone()
		m.stopTimerLocked(it.ID)
		m.queue.remove(it.ID)
	}
	m.notifyLocked()
	m.mu.Unlock()
	m.persistMu.Unlock()
	if !ok {
		return
	}

	m.logger.Info("item completed",
		"item", out.ID,
		"entity", out.Key().String(),
		"operation", out.Operation.String(),
		"destinations", out.Destinations,
	)
	m.emit(EventCompleted, out)
}
