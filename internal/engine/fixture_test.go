package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/schema"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/strategy"
	"github.com/roach88/syncq/internal/testutil"
)

var productSchema = schema.MustCompile("product", `price: number & >=0`)

var fastRetry = RetryPolicy{
	MaxAttempts: 3,
	Delays:      []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	t        *testing.T
	store    *store.Store
	rec      *testutil.Recorder
	primary  *testutil.FakePrimary
	export   *testutil.FakeExporter
	registry *strategy.Registry
	mgr      *Manager
}

// newFixture wires a manager over a temp store with one "product" type
// delivered to a fake primary and a fake export. window is the export's
// debounce window; zero sends every export directly.
func newFixture(t *testing.T, window time.Duration, opts ...Option) *fixture {
	t.Helper()
	s := setupTestStore(t)
	f := &fixture{t: t, store: s, rec: testutil.NewRecorder()}
	f.primary = testutil.NewFakePrimary(destination.PrimaryTag, f.rec)
	f.export = testutil.NewFakeExporter(destination.ExportTag, f.rec)

	f.registry = strategy.NewRegistry()
	f.registry.MustRegister("product", &strategy.RecordStrategy{
		Type:      "product",
		Schema:    productSchema,
		Primaries: map[string]destination.Primary{destination.PrimaryTag: f.primary},
		Exports: map[string]strategy.Export{
			destination.ExportTag: {Target: f.export, Window: window},
		},
		Source: s,
	})

	f.mgr = f.newManager(opts...)
	return f
}

func (f *fixture) newManager(opts ...Option) *Manager {
	f.t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithIDGenerator(testutil.NewSequentialIDs("")),
		WithNow(testutil.NewStepClock().Now),
		WithRetryPolicy(fastRetry),
		WithDefaultDestinations(destination.PrimaryTag, destination.ExportTag),
	}
	m, err := New(f.store, f.registry, append(base, opts...)...)
	require.NoError(f.t, err)
	f.t.Cleanup(m.Close)
	return m
}

// start runs the manager until the test ends.
func (f *fixture) start() {
	f.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(ctx) }()
	f.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) enqueue(id string, priority int, fields entity.Fields, dests ...string) Item {
	f.t.Helper()
	it, err := f.mgr.Enqueue(context.Background(), EnqueueRequest{
		Tenant:       "acme",
		EntityType:   "product",
		Operation:    entity.OperationCreate,
		Entity:       entity.Entity{ID: id, Fields: fields},
		Destinations: dests,
		Priority:     priority,
	})
	require.NoError(f.t, err)
	return it
}

func (f *fixture) waitIdle() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.mgr.WaitIdle(ctx))
}

func (f *fixture) entity(id string) entity.Entity {
	f.t.Helper()
	e, err := f.store.Get(context.Background(), "product", id)
	require.NoError(f.t, err)
	return e
}

// callsFor returns the recorded calls touching entity id.
func (f *fixture) callsFor(id string) []testutil.Call {
	var out []testutil.Call
	for _, c := range f.rec.Calls() {
		if c.EntityID == id {
			out = append(out, c)
		}
	}
	return out
}

func price(p int64) entity.Fields {
	return entity.Fields{"price": p}
}
