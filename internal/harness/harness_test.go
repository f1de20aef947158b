package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "file name must match scenario name")
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/retry_exhaustion.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := MarshalSnapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ReportsFailedAssertions(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong_expectations
description: "Assertions that do not hold are reported, not returned"
steps:
  - enqueue: { type: product, id: p1, op: create, fields: { price: 1 } }
  - drain: true
assertions:
  - { type: item_status, entity_type: product, entity_id: p1, status: failed }
  - { type: call_count, destination: primary, count: 5 }
  - { type: remote_state, entity_type: product, entity_id: p1, fields: { price: 2 } }
  - { type: local_state, entity_type: product, entity_id: p1, synced: true }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[0], "status failed")
	assert.Contains(t, result.Errors[1], "called 5 times")
	assert.Contains(t, result.Errors[2], "product/p1.price = 2")
}

func TestRun_EnqueueErrors(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: enqueue_errors
description: "Rejected requests are traced and checked against the expected error"
steps:
  - enqueue: { type: product, id: p1, op: create, fields: { price: 1 }, destinations: [archive], error: "not supported" }
  - enqueue: { type: product, id: p2, op: create, fields: { price: 1 }, destinations: [primary, primary], error: "wrong message" }
assertions:
  - { type: stats, expect: { pending_count: 0 } }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, KindEnqueue, result.Trace[0].Kind)
	assert.Equal(t, "product/p1", result.Trace[0].Entity)
	assert.Contains(t, result.Trace[0].Err, `destination "archive" not supported`)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `expected error containing "wrong message"`)
}

func TestRun_UnexpectedEnqueueErrorAborts(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: enqueue_abort
description: "An enqueue error nobody expected stops the run"
steps:
  - enqueue: { type: product, id: p1, op: create, destinations: [archive] }
assertions:
  - { type: stats, expect: { pending_count: 0 } }
`))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0")
}

func TestToFields(t *testing.T) {
	got, err := toFields(map[string]any{
		"n":    7,
		"f":    1.5,
		"s":    "x",
		"list": []any{1, "a"},
		"obj":  map[string]any{"k": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), got["n"])
	assert.Equal(t, 1.5, got["f"])
	assert.Equal(t, []any{int64(1), "a"}, got["list"])
	assert.Equal(t, map[string]any{"k": int64(2)}, got["obj"])

	_, err = toFields(map[string]any{"x": nil})
	assert.ErrorContains(t, err, `field "x"`)
}
