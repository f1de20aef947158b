package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/entity"
)

// Adapter operations recorded in a Call.
const (
	OpUpsert     = "upsert"
	OpDelete     = "delete"
	OpFetchAll   = "fetch_all"
	OpRewriteAll = "rewrite_all"
)

// Call records one adapter invocation, successful or not.
type Call struct {
	Destination string `json:"destination"`
	Op          string `json:"op"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id,omitempty"`
	Rows        int    `json:"rows,omitempty"`
	Err         string `json:"err,omitempty"`
}

// Recorder collects calls across several fakes in invocation order.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	observer func(Call)
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends c.
func (r *Recorder) Record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if r.observer != nil {
		r.observer(c)
	}
}

// Observe calls fn for every call recorded from now on, in record order.
// fn runs with the recorder locked and must not call back into it.
func (r *Recorder) Observe(fn func(Call)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Hook runs before a fake applies a call. A non-nil error fails the call.
// Hooks may block, e.g. to hold a call in flight.
type Hook func(ctx context.Context, c Call) error

// adapter holds the call log and fault injection shared by the fakes.
type adapter struct {
	name string
	rec  *Recorder

	mu      sync.Mutex
	calls   []Call
	pending []error
	down    bool
	hook    Hook
}

// Name returns the destination tag the fake was created with.
func (a *adapter) Name() string { return a.name }

// FailNext makes the next n calls fail with err.
func (a *adapter) FailNext(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.pending = append(a.pending, err)
	}
}

// SetDown makes every call fail with destination.ErrUnavailable until
// SetDown(false).
func (a *adapter) SetDown(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = down
}

// SetHook installs h. A nil hook removes it.
func (a *adapter) SetHook(h Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hook = h
}

// Calls returns a copy of every call made to this fake.
func (a *adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallCount returns the number of calls for op, or all calls if op is "".
func (a *adapter) CallCount(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

// Ping reports destination.ErrUnavailable while the fake is down.
func (a *adapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down {
		return fmt.Errorf("%s: %w", a.name, destination.ErrUnavailable)
	}
	return nil
}

// begin logs c and returns the injected failure for it, if any.
func (a *adapter) begin(ctx context.Context, c Call) error {
	a.mu.Lock()
	hook := a.hook
	a.mu.Unlock()

	var err error
	if hook != nil {
		err = hook(ctx, c)
	}
	if err == nil {
		err = ctx.Err()
	}

	a.mu.Lock()
	if err == nil && a.down {
		err = fmt.Errorf("%s: %w", a.name, destination.ErrUnavailable)
	}
	if err == nil && len(a.pending) > 0 {
		err = a.pending[0]
		a.pending = a.pending[1:]
	}
	if err != nil {
		c.Err = err.Error()
	}
	a.calls = append(a.calls, c)
	a.mu.Unlock()

	if a.rec != nil {
		a.rec.Record(c)
	}
	return err
}

// FakePrimary is an in-memory destination.Primary.
type FakePrimary struct {
	adapter

	dataMu sync.Mutex
	data   map[string]map[string]entity.Fields
}

var (
	_ destination.Primary = (*FakePrimary)(nil)
	_ destination.Pinger  = (*FakePrimary)(nil)
)

// NewFakePrimary creates an empty primary. rec may be nil.
func NewFakePrimary(name string, rec *Recorder) *FakePrimary {
	return &FakePrimary{
		adapter: adapter{name: name, rec: rec},
		data:    make(map[string]map[string]entity.Fields),
	}
}

// Upsert stores a copy of data under (entityType, id).
func (p *FakePrimary) Upsert(ctx context.Context, entityType, id string, data entity.Fields) error {
	if err := p.begin(ctx, Call{Destination: p.name, Op: OpUpsert, EntityType: entityType, EntityID: id}); err != nil {
		return err
	}
	p.put(entityType, id, data)
	return nil
}

// Delete removes (entityType, id). Deleting an absent record is a no-op.
func (p *FakePrimary) Delete(ctx context.Context, entityType, id string) error {
	if err := p.begin(ctx, Call{Destination: p.name, Op: OpDelete, EntityType: entityType, EntityID: id}); err != nil {
		return err
	}
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	delete(p.data[entityType], id)
	return nil
}

// FetchAll returns every stored record of entityType, ordered by id.
func (p *FakePrimary) FetchAll(ctx context.Context, entityType string) ([]entity.Entity, error) {
	if err := p.begin(ctx, Call{Destination: p.name, Op: OpFetchAll, EntityType: entityType}); err != nil {
		return nil, err
	}
	return p.Records(entityType), nil
}

// Seed stores records directly, without logging a call.
func (p *FakePrimary) Seed(entityType string, records ...entity.Entity) {
	for _, r := range records {
		p.put(entityType, r.ID, r.Fields)
	}
}

// Records returns the stored records of entityType, ordered by id.
func (p *FakePrimary) Records(entityType string) []entity.Entity {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()

	ids := make([]string, 0, len(p.data[entityType]))
	for id := range p.data[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, entity.Entity{
			Type:   entityType,
			ID:     id,
			Synced: true,
			Fields: p.data[entityType][id].Clone(),
		})
	}
	return out
}

// Record returns one stored record.
func (p *FakePrimary) Record(entityType, id string) (entity.Fields, bool) {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	f, ok := p.data[entityType][id]
	return f.Clone(), ok
}

func (p *FakePrimary) put(entityType, id string, data entity.Fields) {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	if p.data[entityType] == nil {
		p.data[entityType] = make(map[string]entity.Fields)
	}
	p.data[entityType][id] = data.Clone()
}

// FakeExporter is an in-memory destination.Exporter.
type FakeExporter struct {
	adapter

	dataMu sync.Mutex
	rows   map[string][]entity.Entity
}

var _ destination.Exporter = (*FakeExporter)(nil)

// NewFakeExporter creates an empty exporter. rec may be nil.
func NewFakeExporter(name string, rec *Recorder) *FakeExporter {
	return &FakeExporter{
		adapter: adapter{name: name, rec: rec},
		rows:    make(map[string][]entity.Entity),
	}
}

// RewriteAll replaces the stored collection for entityType.
func (x *FakeExporter) RewriteAll(ctx context.Context, entityType string, rows []entity.Entity) error {
	if err := x.begin(ctx, Call{Destination: x.name, Op: OpRewriteAll, EntityType: entityType, Rows: len(rows)}); err != nil {
		return err
	}
	cp := make([]entity.Entity, len(rows))
	for i, r := range rows {
		cp[i] = r.Clone()
	}
	x.dataMu.Lock()
	defer x.dataMu.Unlock()
	x.rows[entityType] = cp
	return nil
}

// Rows returns the last collection written for entityType.
func (x *FakeExporter) Rows(entityType string) []entity.Entity {
	x.dataMu.Lock()
	defer x.dataMu.Unlock()
	out := make([]entity.Entity, len(x.rows[entityType]))
	for i, r := range x.rows[entityType] {
		out[i] = r.Clone()
	}
	return out
}
