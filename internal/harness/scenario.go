package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncq/internal/catalog"
	"github.com/roach88/syncq/internal/destination"
)

// Scenario is one offline/online story played against the sync manager
// with fake destinations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Online is the initial connectivity. Defaults to true.
	Online *bool `yaml:"online,omitempty"`

	// MaxAttempts overrides the retry limit. Defaults to 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// ExportWindow is the export debounce window. Zero exports directly.
	ExportWindow time.Duration `yaml:"export_window,omitempty"`

	// Remote seeds the primary before the first step.
	Remote []Record `yaml:"remote,omitempty"`

	// Local seeds the local store before the first step.
	Local []Record `yaml:"local,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Record is a seeded entity.
type Record struct {
	Type   string         `yaml:"type"`
	ID     string         `yaml:"id"`
	Synced bool           `yaml:"synced,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	// Enqueue records a local mutation.
	Enqueue *EnqueueStep `yaml:"enqueue,omitempty"`

	// Online changes connectivity.
	Online *bool `yaml:"online,omitempty"`

	// Drain force-drains the queue and waits for in-flight work.
	Drain bool `yaml:"drain,omitempty"`

	// Reconcile refreshes one entity type from the primary.
	Reconcile string `yaml:"reconcile,omitempty"`

	// Fail injects failures into the next calls of a destination.
	Fail *FaultStep `yaml:"fail,omitempty"`

	// Down and Up toggle a destination outage by tag.
	Down string `yaml:"down,omitempty"`
	Up   string `yaml:"up,omitempty"`
}

// EnqueueStep describes one mutation.
type EnqueueStep struct {
	Type         string         `yaml:"type"`
	ID           string         `yaml:"id"`
	Op           string         `yaml:"op"`
	Fields       map[string]any `yaml:"fields,omitempty"`
	Priority     int            `yaml:"priority,omitempty"`
	Destinations []string       `yaml:"destinations,omitempty"`

	// Error, when set, is the expected Enqueue error substring.
	Error string `yaml:"error,omitempty"`
}

// FaultStep makes the next Times calls to Destination fail with Error.
type FaultStep struct {
	Destination string `yaml:"destination"`
	Times       int    `yaml:"times"`
	Error       string `yaml:"error"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Item selects by queue item id; EntityType and EntityID select the
	// latest item for an entity.
	Item       string `yaml:"item,omitempty"`
	EntityType string `yaml:"entity_type,omitempty"`
	EntityID   string `yaml:"entity_id,omitempty"`

	// Status and Attempts are checked by item_status.
	Status   string `yaml:"status,omitempty"`
	Attempts *int   `yaml:"attempts,omitempty"`

	// Destination and Op select calls for call_count.
	Destination string `yaml:"destination,omitempty"`
	Op          string `yaml:"op,omitempty"`
	Count       *int   `yaml:"count,omitempty"`

	// Calls is the expected call subsequence for call_order, each
	// written as "destination op entity".
	Calls []string `yaml:"calls,omitempty"`

	// Synced, Fields and Absent are checked by local_state and
	// remote_state. Fields is a subset match.
	Synced *bool          `yaml:"synced,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`

	// Expect holds stats counters for stats.
	Expect map[string]int `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertItemStatus  = "item_status"
	AssertCallCount   = "call_count"
	AssertCallOrder   = "call_order"
	AssertLocalState  = "local_state"
	AssertRemoteState = "remote_state"
	AssertExportRows  = "export_rows"
	AssertStats       = "stats"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}
	if s.ExportWindow < 0 {
		return fmt.Errorf("export_window must be non-negative")
	}

	for i, r := range append(append([]Record(nil), s.Remote...), s.Local...) {
		if !knownType(r.Type) {
			return fmt.Errorf("seed[%d]: unknown entity type %q", i, r.Type)
		}
		if r.ID == "" {
			return fmt.Errorf("seed[%d]: id is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st Step) error {
	set := 0
	if st.Enqueue != nil {
		set++
		if !knownType(st.Enqueue.Type) {
			return fmt.Errorf("steps[%d]: unknown entity type %q", index, st.Enqueue.Type)
		}
		if st.Enqueue.Op == "" {
			return fmt.Errorf("steps[%d]: enqueue op is required", index)
		}
	}
	if st.Online != nil {
		set++
	}
	if st.Drain {
		set++
	}
	if st.Reconcile != "" {
		set++
		if !knownType(st.Reconcile) {
			return fmt.Errorf("steps[%d]: unknown entity type %q", index, st.Reconcile)
		}
	}
	if st.Fail != nil {
		set++
		if !knownDestination(st.Fail.Destination) {
			return fmt.Errorf("steps[%d]: unknown destination %q", index, st.Fail.Destination)
		}
		if st.Fail.Times < 1 {
			return fmt.Errorf("steps[%d]: fail times must be >= 1", index)
		}
		if st.Fail.Error == "" {
			return fmt.Errorf("steps[%d]: fail error is required", index)
		}
	}
	for _, tag := range []string{st.Down, st.Up} {
		if tag == "" {
			continue
		}
		set++
		if !knownDestination(tag) {
			return fmt.Errorf("steps[%d]: unknown destination %q", index, tag)
		}
	}

	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertItemStatus:
		if a.Item == "" && (a.EntityType == "" || a.EntityID == "") {
			return fmt.Errorf("assertions[%d]: item or entity_type and entity_id are required for item_status", index)
		}
		if a.Status == "" && a.Attempts == nil {
			return fmt.Errorf("assertions[%d]: status or attempts is required for item_status", index)
		}
	case AssertCallCount:
		if a.Destination == "" {
			return fmt.Errorf("assertions[%d]: destination is required for call_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for call_count", index)
		}
	case AssertCallOrder:
		if len(a.Calls) == 0 {
			return fmt.Errorf("assertions[%d]: calls list is required for call_order", index)
		}
	case AssertLocalState, AssertRemoteState:
		if a.EntityType == "" || a.EntityID == "" {
			return fmt.Errorf("assertions[%d]: entity_type and entity_id are required for %s", index, a.Type)
		}
	case AssertExportRows:
		if a.EntityType == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: entity_type and count are required for export_rows", index)
		}
	case AssertStats:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for stats", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func knownType(t string) bool {
	for _, known := range catalog.Types() {
		if t == known {
			return true
		}
	}
	return false
}

func knownDestination(tag string) bool {
	return tag == destination.PrimaryTag || tag == destination.ExportTag
}
