package engine

import (
	"fmt"
	"time"

	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/store"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusRetrying, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Active reports whether an item in this status still has work ahead of it.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusRetrying
}

// Item is one unit of pending synchronization work.
//
// Items returned by the Manager are copies; mutating them has no effect.
type Item struct {
	ID             string           `json:"id"`
	Tenant         string           `json:"tenant,omitempty"`
	EntityType     string           `json:"entity_type"`
	EntityID       string           `json:"entity_id"`
	Operation      entity.Operation `json:"operation"`
	Payload        entity.Entity    `json:"payload"`
	Revision       int64            `json:"revision"`
	Destinations   []string         `json:"destinations"`
	Priority       int              `json:"priority"`
	Status         Status           `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"max_attempts"`
	RetryDelays    []time.Duration  `json:"retry_delays"`
	Seq            int64            `json:"seq"`
	CreatedAt      time.Time        `json:"created_at"`
	FirstAttemptAt time.Time        `json:"first_attempt_at,omitzero"`
	LastAttemptAt  time.Time        `json:"last_attempt_at,omitzero"`
	NextAttemptAt  time.Time        `json:"next_attempt_at,omitzero"`
	LastError      string           `json:"last_error,omitempty"`
	ErrorKind      SyncErrorCode    `json:"error_kind,omitempty"`
}

// Key returns the (type, id) of the entity the item carries.
func (it *Item) Key() entity.Key {
	return entity.Key{Type: it.EntityType, ID: it.EntityID}
}

func (it *Item) clone() Item {
	out := *it
	out.Payload = it.Payload.Clone()
	out.Destinations = append([]string(nil), it.Destinations...)
	out.RetryDelays = append([]time.Duration(nil), it.RetryDelays...)
	return out
}

// before reports whether it is served before other: priority descending,
// then createdAt ascending, then seq ascending.
func (it *Item) before(other *Item) bool {
	if it.Priority != other.Priority {
		return it.Priority > other.Priority
	}
	if !it.CreatedAt.Equal(other.CreatedAt) {
		return it.CreatedAt.Before(other.CreatedAt)
	}
	return it.Seq < other.Seq
}

func (it *Item) record() (store.QueueRecord, error) {
	payload, err := entity.EncodeSnapshot(it.Payload)
	if err != nil {
		return store.QueueRecord{}, fmt.Errorf("encode payload of %s: %w", it.ID, err)
	}
	return store.QueueRecord{
		ID:             it.ID,
		Tenant:         it.Tenant,
		EntityType:     it.EntityType,
		EntityID:       it.EntityID,
		Operation:      it.Operation.String(),
		Payload:        payload,
		Revision:       it.Revision,
		Destinations:   it.Destinations,
		Priority:       it.Priority,
		Status:         string(it.Status),
		Attempts:       it.Attempts,
		MaxAttempts:    it.MaxAttempts,
		RetryDelays:    it.RetryDelays,
		Seq:            it.Seq,
		CreatedAt:      it.CreatedAt,
		FirstAttemptAt: it.FirstAttemptAt,
		LastAttemptAt:  it.LastAttemptAt,
		NextAttemptAt:  it.NextAttemptAt,
		LastError:      it.LastError,
		ErrorKind:      string(it.ErrorKind),
	}, nil
}

func itemFromRecord(rec store.QueueRecord) (*Item, error) {
	op, err := entity.ParseOperation(rec.Operation)
	if err != nil {
		return nil, fmt.Errorf("queue record %s: %w", rec.ID, err)
	}
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return nil, fmt.Errorf("queue record %s: %w", rec.ID, err)
	}
	payload, err := entity.DecodeSnapshot(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("queue record %s: %w", rec.ID, err)
	}
	return &Item{
		ID:             rec.ID,
		Tenant:         rec.Tenant,
		EntityType:     rec.EntityType,
		EntityID:       rec.EntityID,
		Operation:      op,
		Payload:        payload,
		Revision:       rec.Revision,
		Destinations:   rec.Destinations,
		Priority:       rec.Priority,
		Status:         status,
		Attempts:       rec.Attempts,
		MaxAttempts:    rec.MaxAttempts,
		RetryDelays:    rec.RetryDelays,
		Seq:            rec.Seq,
		CreatedAt:      rec.CreatedAt,
		FirstAttemptAt: rec.FirstAttemptAt,
		LastAttemptAt:  rec.LastAttemptAt,
		NextAttemptAt:  rec.NextAttemptAt,
		LastError:      rec.LastError,
		ErrorKind:      SyncErrorCode(rec.ErrorKind),
	}, nil
}

// EnqueueRequest describes one local mutation to deliver.
type EnqueueRequest struct {
	// Tenant is passed through to strategies. It is never read from
	// ambient state.
	Tenant string

	EntityType string
	Operation  entity.Operation

	// Entity carries the id and, for creates and updates, the fields.
	// Type is taken from EntityType.
	Entity entity.Entity

	// Destinations in delivery order. Empty uses the manager's defaults.
	Destinations []string

	// Priority: higher is served first.
	Priority int
}

// ItemFilter selects items. Zero fields match everything.
type ItemFilter struct {
	Status     Status
	EntityType string
	EntityID   string
}

func (f ItemFilter) match(it *Item) bool {
	if f.Status != "" && it.Status != f.Status {
		return false
	}
	if f.EntityType != "" && it.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && it.EntityID != f.EntityID {
		return false
	}
	return true
}

// Stats summarizes the queue for observers.
type Stats struct {
	// PendingCount counts every item not yet completed or failed.
	PendingCount    int  `json:"pending_count"`
	ProcessingCount int  `json:"processing_count"`
	RetryingCount   int  `json:"retrying_count"`
	FailedCount     int  `json:"failed_count"`
	IsOnline        bool `json:"is_online"`
	IsProcessing    bool `json:"is_processing"`
}

// EventType names a queue transition.
type EventType string

const (
	EventEnqueued   EventType = "enqueued"
	EventProcessing EventType = "processing"
	EventRetrying   EventType = "retrying"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventRequeued   EventType = "requeued"
	EventDiscarded  EventType = "discarded"
	EventOnline     EventType = "online"
	EventOffline    EventType = "offline"
)

// Event reports one transition. Item is zero for online/offline events.
type Event struct {
	Type EventType `json:"type"`
	Item Item      `json:"item,omitzero"`
	At   time.Time `json:"at"`
}
