package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/syncq/internal/catalog"
	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/reconcile"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/strategy"
	"github.com/roach88/syncq/internal/testutil"
)

// DefaultStepTimeout bounds each drain.
const DefaultStepTimeout = 10 * time.Second

// retryBackoff keeps retry timers from firing during a run, so items
// only move again when a drain promotes them.
const retryBackoff = time.Hour

// Harness holds the wiring for one scenario run.
type Harness struct {
	store      *store.Store
	mgr        *engine.Manager
	reconciler *reconcile.Reconciler
	primary    *testutil.FakePrimary
	export     *testutil.FakeExporter
	tracer     *tracer
	logger     *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with one delivery
// slot, sequential item ids and a step clock, so the same scenario
// always produces the same trace. The returned error reports harness
// failures; assertion failures are in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}
	defer h.mgr.Close()

	ctx := context.Background()
	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result.Trace = h.tracer.snapshot()
	result.Stats = h.mgr.Stats()

	actx := &AssertionContext{
		Ctx:     ctx,
		Store:   st,
		Primary: h.primary,
		Export:  h.export,
		Stats:   result.Stats,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := testutil.NewRecorder()
	h := &Harness{
		store:   st,
		primary: testutil.NewFakePrimary(destination.PrimaryTag, rec),
		export:  testutil.NewFakeExporter(destination.ExportTag, rec),
		tracer:  &tracer{},
		logger:  logger,
	}
	rec.Observe(h.tracer.onCall)

	registry := strategy.NewRegistry()
	err := catalog.Register(registry, catalog.Destinations{
		Primary:      h.primary,
		Export:       h.export,
		ExportWindow: scenario.ExportWindow,
		Source:       st,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register strategies: %w", err)
	}

	online := true
	if scenario.Online != nil {
		online = *scenario.Online
	}
	maxAttempts := scenario.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = engine.DefaultRetryPolicy.MaxAttempts
	}

	h.mgr, err = engine.New(st, registry,
		engine.WithLogger(logger),
		engine.WithConcurrency(1),
		engine.WithOnline(online),
		engine.WithIDGenerator(testutil.NewSequentialIDs("item")),
		engine.WithNow(testutil.NewStepClock().Now),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts: maxAttempts,
			Delays:      []time.Duration{retryBackoff},
		}),
		engine.WithDefaultDestinations(destination.PrimaryTag, destination.ExportTag),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync manager: %w", err)
	}
	h.mgr.Subscribe(h.tracer.onEvent)

	h.reconciler = reconcile.New(st, h.primary,
		reconcile.WithState(h.mgr),
		reconcile.WithLogger(logger),
	)
	return h, nil
}

func (h *Harness) seed(ctx context.Context, scenario *Scenario) error {
	for _, r := range scenario.Remote {
		fields, err := toFields(r.Fields)
		if err != nil {
			return fmt.Errorf("remote %s/%s: %w", r.Type, r.ID, err)
		}
		h.primary.Seed(r.Type, entity.Entity{ID: r.ID, Fields: fields})
	}
	for _, r := range scenario.Local {
		fields, err := toFields(r.Fields)
		if err != nil {
			return fmt.Errorf("local %s/%s: %w", r.Type, r.ID, err)
		}
		_, err = h.store.Put(ctx, entity.Entity{
			Type:      r.Type,
			ID:        r.ID,
			Synced:    r.Synced,
			Fields:    fields,
			UpdatedAt: testutil.Epoch,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Enqueue != nil:
		return h.enqueue(ctx, step.Enqueue, result)

	case step.Online != nil:
		h.mgr.SetOnline(*step.Online)
		return nil

	case step.Drain:
		dctx, cancel := context.WithTimeout(ctx, DefaultStepTimeout)
		defer cancel()
		err := h.mgr.ForceDrain(dctx)
		if errors.Is(err, engine.ErrOffline) {
			h.tracer.add(TraceEvent{Kind: KindDrain, Err: err.Error()})
			return nil
		}
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		return h.tracer.settle(dctx)

	case step.Reconcile != "":
		res, err := h.reconciler.Reconcile(ctx, step.Reconcile)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", step.Reconcile, err)
		}
		te := TraceEvent{
			Kind:   KindReconcile,
			Entity: step.Reconcile,
			Origin: string(res.Origin),
			Rows:   len(res.Entities),
		}
		if res.FetchErr != nil {
			te.Err = res.FetchErr.Error()
		}
		h.tracer.add(te)
		return nil

	case step.Fail != nil:
		h.fault(step.Fail.Destination).FailNext(step.Fail.Times, errors.New(step.Fail.Error))
		return nil

	case step.Down != "":
		h.fault(step.Down).SetDown(true)
		return nil

	case step.Up != "":
		h.fault(step.Up).SetDown(false)
		return nil
	}
	return fmt.Errorf("empty step")
}

type faulty interface {
	FailNext(n int, err error)
	SetDown(down bool)
}

func (h *Harness) fault(tag string) faulty {
	if tag == destination.ExportTag {
		return h.export
	}
	return h.primary
}

func (h *Harness) enqueue(ctx context.Context, es *EnqueueStep, result *Result) error {
	op, err := entity.ParseOperation(es.Op)
	if err != nil {
		return err
	}
	fields, err := toFields(es.Fields)
	if err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", es.Type, es.ID, err)
	}

	_, err = h.mgr.Enqueue(ctx, engine.EnqueueRequest{
		Tenant:       "harness",
		EntityType:   es.Type,
		Operation:    op,
		Entity:       entity.Entity{ID: es.ID, Fields: fields},
		Destinations: es.Destinations,
		Priority:     es.Priority,
	})

	switch {
	case err == nil && es.Error != "":
		result.AddError(fmt.Sprintf("enqueue %s/%s: expected error containing %q, got none", es.Type, es.ID, es.Error))
	case err != nil && es.Error == "":
		return err
	case err != nil:
		if !strings.Contains(err.Error(), es.Error) {
			result.AddError(fmt.Sprintf("enqueue %s/%s: expected error containing %q, got %q", es.Type, es.ID, es.Error, err))
		}
		h.tracer.add(TraceEvent{Kind: KindEnqueue, Entity: es.Type + "/" + es.ID, Err: err.Error()})
	}
	return nil
}

// toFields converts YAML-decoded values to entity field values: integers
// become int64 and nested maps keep string keys.
func toFields(m map[string]any) (entity.Fields, error) {
	if m == nil {
		return nil, nil
	}
	out := make(entity.Fields, len(m))
	for k, v := range m {
		cv, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

func toValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("null values are not allowed")
	case string, bool, float64, int64:
		return x, nil
	case int:
		return int64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ce, err := toValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ce
		}
		return out, nil
	case map[string]any:
		f, err := toFields(x)
		if err != nil {
			return nil, err
		}
		return map[string]any(f), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
