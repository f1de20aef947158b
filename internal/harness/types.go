package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/testutil"
)

// Trace event kinds.
const (
	KindEvent     = "event"
	KindCall      = "call"
	KindDrain     = "drain"
	KindReconcile = "reconcile"
	KindEnqueue   = "enqueue"
)

// TraceEvent is one observed step: a queue transition, an adapter call,
// or the outcome of a harness step that produced no transition.
type TraceEvent struct {
	Seq         int    `json:"seq"`
	Kind        string `json:"kind"`
	Event       string `json:"event,omitempty"`
	Item        string `json:"item,omitempty"`
	Entity      string `json:"entity,omitempty"`
	Status      string `json:"status,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Destination string `json:"destination,omitempty"`
	Op          string `json:"op,omitempty"`
	Origin      string `json:"origin,omitempty"`
	Rows        int    `json:"rows,omitempty"`
	Err         string `json:"err,omitempty"`
}

// callKey renders a call the way call_order assertions spell it.
func (e TraceEvent) callKey() string {
	return fmt.Sprintf("%s %s %s", e.Destination, e.Op, e.Entity)
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds queue events and adapter calls in observation order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Stats is the queue summary after the last step.
	Stats engine.Stats `json:"stats"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// tracer merges engine events and adapter calls into one ordered trace.
//
// It also counts deliveries that have started but not yet reported an
// outcome, so a drain can wait for the final event of each one.
type tracer struct {
	mu          sync.Mutex
	events      []TraceEvent
	outstanding int
}

func (t *tracer) add(ev TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev.Seq = len(t.events) + 1
	t.events = append(t.events, ev)
}

func (t *tracer) onEvent(ev engine.Event) {
	te := TraceEvent{Kind: KindEvent, Event: string(ev.Type)}
	if ev.Item.ID != "" {
		te.Item = ev.Item.ID
		te.Entity = ev.Item.Key().String()
		te.Status = string(ev.Item.Status)
		te.Attempts = ev.Item.Attempts
	}

	t.mu.Lock()
	switch ev.Type {
	case engine.EventProcessing:
		t.outstanding++
	case engine.EventCompleted, engine.EventFailed, engine.EventRetrying:
		if t.outstanding > 0 {
			t.outstanding--
		}
	}
	t.mu.Unlock()

	t.add(te)
}

func (t *tracer) onCall(c testutil.Call) {
	entity := c.EntityType
	if c.EntityID != "" {
		entity += "/" + c.EntityID
	}
	t.add(TraceEvent{
		Kind:        KindCall,
		Destination: c.Destination,
		Op:          c.Op,
		Entity:      entity,
		Rows:        c.Rows,
		Err:         c.Err,
	})
}

// settle waits until every started delivery has reported its outcome.
func (t *tracer) settle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		n := t.outstanding
		t.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d deliveries still in flight: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *tracer) snapshot() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEvent{}, t.events...)
}
