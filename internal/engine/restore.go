package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/store"
)

// Restore loads the persisted queue into an empty manager and returns the
// number of items restored. Call before Run.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	recs, err := m.store.LoadQueueRecords(ctx)
	if err != nil {
		return 0, err
	}

	var items []*Item
	var maxSeq int64
	for _, rec := range recs {
		it, err := itemFromRecord(rec)
		if err != nil {
			return 0, err
		}
		if it.Status == StatusProcessing || it.Status == StatusRetrying {
			it.Status = StatusPending
			it.NextAttemptAt = time.Time{}
		}
		if it.Seq > maxSeq {
			maxSeq = it.Seq
		}
		items = append(items, it)
	}

	m.mu.Lock()
	if m.queue.Len() > 0 {
		m.mu.Unlock()
		return 0, fmt.Errorf("restore: queue already holds %d items", m.queue.Len())
	}
	// records arrive in seq order, so chains are rebuilt in enqueue order
	for _, it := range items {
		m.queue.add(it)
	}
	m.clock.AdvanceTo(maxSeq)
	m.notifyLocked()
	m.mu.Unlock()

	for _, it := range items {
		m.save(ctx, it.ID)
	}

	m.logger.Info("queue restored", "items", len(items), "seq", maxSeq)
	m.wake()
	return len(items), nil
}

// Requeue gives a failed item a fresh start: attempts reset, a new seq at
// the tail of its entity's chain, and for creates and updates the payload
// refreshed from the current local record when one exists.
func (m *Manager) Requeue(ctx context.Context, id string) (Item, error) {
	out, err := m.readmit(ctx, id)
	if err != nil {
		return Item{}, err
	}

	m.logger.Info("item requeued", "item", id, "entity", out.Key().String(), "seq", out.Seq)
	m.emit(EventRequeued, out)
	m.wake()
	return out, nil
}

// readmit moves a failed item back into its chain under admitMu, like admit.
func (m *Manager) readmit(ctx context.Context, id string) (Item, error) {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	m.mu.Lock()
	it, ok := m.queue.get(id)
	if !ok {
		m.mu.Unlock()
		return Item{}, fmt.Errorf("requeue %s: %w", id, ErrItemNotFound)
	}
	if it.Status != StatusFailed {
		m.mu.Unlock()
		return Item{}, fmt.Errorf("requeue %s (%s): %w", id, it.Status, ErrNotFailed)
	}
	key, op := it.Key(), it.Operation
	m.mu.Unlock()

	var fresh *entity.Entity
	if op != entity.OperationDelete {
		cur, err := m.store.Get(ctx, key.Type, key.ID)
		switch {
		case err == nil:
			snap, _, err := entity.Snapshot(cur)
			if err != nil {
				return Item{}, fmt.Errorf("requeue %s: %w", id, err)
			}
			fresh = &snap
		case errors.Is(err, store.ErrNotFound):
		default:
			return Item{}, err
		}
	}

	m.mu.Lock()
	it, ok = m.queue.get(id)
	if !ok || it.Status != StatusFailed {
		m.mu.Unlock()
		return Item{}, fmt.Errorf("requeue %s: %w", id, ErrNotFailed)
	}
	if fresh != nil {
		it.Payload = *fresh
		it.Revision = fresh.Revision
	}
	it.Status = StatusPending
	it.Attempts = 0
	it.LastError = ""
	it.ErrorKind = ""
	it.NextAttemptAt = time.Time{}
	it.Seq = m.clock.Next()
	m.queue.join(it)
	out := it.clone()
	m.notifyLocked()
	m.mu.Unlock()

	m.save(ctx, id)
	return out, nil
}

// Discard removes a failed item for good.
func (m *Manager) Discard(ctx context.Context, id string) error {
	m.mu.Lock()
	it, ok := m.queue.get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("discard %s: %w", id, ErrItemNotFound)
	}
	if it.Status != StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("discard %s (%s): %w", id, it.Status, ErrNotFailed)
	}
	out := it.clone()
	m.mu.Unlock()

	m.drop(ctx, id)
	m.logger.Info("item discarded", "item", id, "entity", out.Key().String())
	m.emit(EventDiscarded, out)
	return nil
}

// PendingDeletes returns the ids of entityType with an undelivered delete.
// The reconciler leaves these out of authoritative snapshots so a record
// deleted locally is not brought back before its delete reaches the primary.
func (m *Manager) PendingDeletes(entityType string) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bool)
	for _, it := range m.queue.list(ItemFilter{EntityType: entityType}) {
		if it.Operation == entity.OperationDelete && it.Status.Active() {
			out[it.EntityID] = true
		}
	}
	return out
}
