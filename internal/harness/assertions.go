package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/testutil"
)

// AssertionContext provides the final state assertions read from.
type AssertionContext struct {
	Ctx     context.Context
	Store   *store.Store
	Primary *testutil.FakePrimary
	Export  *testutil.FakeExporter
	Stats   engine.Stats
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, describe(ev))
		}
	}
	return buf.String()
}

func describe(ev TraceEvent) string {
	switch ev.Kind {
	case KindCall:
		s := ev.callKey()
		if ev.Err != "" {
			s += " error=" + ev.Err
		}
		return s
	case KindEvent:
		if ev.Item == "" {
			return ev.Event
		}
		return fmt.Sprintf("%s %s %s attempts=%d", ev.Event, ev.Item, ev.Entity, ev.Attempts)
	default:
		s := ev.Kind
		if ev.Entity != "" {
			s += " " + ev.Entity
		}
		if ev.Err != "" {
			s += " error=" + ev.Err
		}
		return s
	}
}

// EvaluateAssertions runs every assertion and returns the failure
// messages in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return errs
}

func evaluate(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertItemStatus:
		return assertItemStatus(trace, a)
	case AssertCallCount:
		return assertCallCount(trace, a)
	case AssertCallOrder:
		return assertCallOrder(trace, a)
	case AssertLocalState:
		return assertLocalState(actx, a)
	case AssertRemoteState:
		return assertRemoteState(actx, a)
	case AssertExportRows:
		return assertExportRows(actx, a)
	case AssertStats:
		return assertStats(actx.Stats, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// itemState is the status and attempt count implied by an item's last
// event in the trace.
type itemState struct {
	id       string
	status   string
	attempts int
}

func lastItemState(trace []TraceEvent, a Assertion) (itemState, bool) {
	entityKey := entity.Key{Type: a.EntityType, ID: a.EntityID}.String()
	var st itemState
	found := false
	for _, ev := range trace {
		if ev.Kind != KindEvent || ev.Item == "" {
			continue
		}
		if a.Item != "" && ev.Item != a.Item {
			continue
		}
		if a.Item == "" && ev.Entity != entityKey {
			continue
		}
		st = itemState{id: ev.Item, status: ev.Status, attempts: ev.Attempts}
		if ev.Event == string(engine.EventDiscarded) {
			st.status = "discarded"
		}
		found = true
	}
	return st, found
}

func assertItemStatus(trace []TraceEvent, a Assertion) error {
	target := a.Item
	if target == "" {
		target = a.EntityType + "/" + a.EntityID
	}

	st, ok := lastItemState(trace, a)
	if !ok {
		return &AssertionError{
			Type:     AssertItemStatus,
			Expected: fmt.Sprintf("item for %s", target),
			Actual:   "no events in trace",
			Trace:    trace,
		}
	}
	if a.Status != "" && st.status != a.Status {
		return &AssertionError{
			Type:     AssertItemStatus,
			Expected: fmt.Sprintf("%s status %s", target, a.Status),
			Actual:   fmt.Sprintf("%s status %s", st.id, st.status),
			Trace:    trace,
		}
	}
	if a.Attempts != nil && st.attempts != *a.Attempts {
		return &AssertionError{
			Type:     AssertItemStatus,
			Expected: fmt.Sprintf("%s attempts %d", target, *a.Attempts),
			Actual:   fmt.Sprintf("%s attempts %d", st.id, st.attempts),
			Trace:    trace,
		}
	}
	return nil
}

func assertCallCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Kind != KindCall || ev.Destination != a.Destination {
			continue
		}
		if a.Op != "" && ev.Op != a.Op {
			continue
		}
		if a.EntityType != "" && !strings.HasPrefix(ev.Entity, a.EntityType) {
			continue
		}
		n++
	}
	if n != *a.Count {
		what := a.Destination
		if a.Op != "" {
			what += " " + a.Op
		}
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%s called %d times", what, *a.Count),
			Actual:   fmt.Sprintf("called %d times", n),
			Trace:    trace,
		}
	}
	return nil
}

// assertCallOrder checks the calls appear in order. Other calls may
// appear between them.
func assertCallOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next == len(a.Calls) {
			break
		}
		if ev.Kind == KindCall && ev.callKey() == a.Calls[next] {
			next++
		}
	}
	if next < len(a.Calls) {
		return &AssertionError{
			Type:     AssertCallOrder,
			Expected: fmt.Sprintf("calls in order: %v", a.Calls),
			Actual:   fmt.Sprintf("missing or out of order: %s", a.Calls[next]),
			Trace:    trace,
		}
	}
	return nil
}

func assertLocalState(actx *AssertionContext, a Assertion) error {
	e, err := actx.Store.Get(actx.Ctx, a.EntityType, a.EntityID)
	key := a.EntityType + "/" + a.EntityID
	if errors.Is(err, store.ErrNotFound) {
		if a.Absent {
			return nil
		}
		return &AssertionError{Type: AssertLocalState, Expected: key + " present", Actual: "not found"}
	}
	if err != nil {
		return fmt.Errorf("local_state: %w", err)
	}
	if a.Absent {
		return &AssertionError{Type: AssertLocalState, Expected: key + " absent", Actual: fmt.Sprintf("%v", map[string]any(e.Fields))}
	}
	if a.Synced != nil && e.Synced != *a.Synced {
		return &AssertionError{
			Type:     AssertLocalState,
			Expected: fmt.Sprintf("%s synced=%t", key, *a.Synced),
			Actual:   fmt.Sprintf("synced=%t", e.Synced),
		}
	}
	return matchFields(AssertLocalState, key, e.Fields, a.Fields)
}

func assertRemoteState(actx *AssertionContext, a Assertion) error {
	fields, ok := actx.Primary.Record(a.EntityType, a.EntityID)
	key := a.EntityType + "/" + a.EntityID
	switch {
	case !ok && a.Absent:
		return nil
	case !ok:
		return &AssertionError{Type: AssertRemoteState, Expected: key + " present", Actual: "not found"}
	case a.Absent:
		return &AssertionError{Type: AssertRemoteState, Expected: key + " absent", Actual: fmt.Sprintf("%v", map[string]any(fields))}
	}
	return matchFields(AssertRemoteState, key, fields, a.Fields)
}

func assertExportRows(actx *AssertionContext, a Assertion) error {
	rows := actx.Export.Rows(a.EntityType)
	if len(rows) != *a.Count {
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return &AssertionError{
			Type:     AssertExportRows,
			Expected: fmt.Sprintf("%d %s rows", *a.Count, a.EntityType),
			Actual:   fmt.Sprintf("%d rows %v", len(rows), ids),
		}
	}
	return nil
}

func assertStats(stats engine.Stats, a Assertion) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	var actual map[string]any
	if err := json.Unmarshal(data, &actual); err != nil {
		return err
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := actual[k]
		if !ok {
			return fmt.Errorf("stats: unknown counter %q", k)
		}
		n, ok := v.(float64)
		if !ok || int(n) != a.Expect[k] {
			return &AssertionError{
				Type:     AssertStats,
				Expected: fmt.Sprintf("%s=%d", k, a.Expect[k]),
				Actual:   fmt.Sprintf("%s=%v", k, v),
			}
		}
	}
	return nil
}

// matchFields checks every expected field (subset semantics). Numbers
// compare by value regardless of integer or float representation.
func matchFields(typ, key string, actual entity.Fields, expected map[string]any) error {
	want, err := toFields(expected)
	if err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	for _, k := range want.SortedKeys() {
		got, ok := actual[k]
		if !ok {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s.%s = %v", key, k, want[k]),
				Actual:   "field missing",
			}
		}
		if !valuesEqual(got, want[k]) {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s.%s = %v", key, k, want[k]),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func valuesEqual(a, b any) bool {
	fa, aNum := number(a)
	fb, bNum := number(b)
	if aNum && bNum {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
