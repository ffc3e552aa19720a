package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/idem/internal/httpapi"
	"github.com/roach88/idem/internal/ttlpolicy"
)

// Scenario is a scripted sequence of HTTP requests against the demo API
// behind the idempotency middleware, with expectations per step.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// ReplayStatus selects the middleware's replay status mode
	// ("original" or "ok"). Empty means "original".
	ReplayStatus string `yaml:"replay_status,omitempty"`

	// IDs are handed out in order to resources the handlers create.
	IDs []string `yaml:"ids"`

	// Flow is executed in order.
	Flow []Step `yaml:"flow"`

	// Assertions are checked after the flow.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one flow step: an optional clock advance followed by either a
// request or a reaper sweep.
type Step struct {
	// Advance moves the scenario clock before the step runs.
	Advance ttlpolicy.Duration `yaml:"advance,omitempty"`

	Request *RequestSpec `yaml:"request,omitempty"`

	// Reap runs one reaper sweep instead of a request.
	Reap bool `yaml:"reap,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// RequestSpec describes an HTTP request.
type RequestSpec struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	Tenant string `yaml:"tenant"`

	// Key is sent as Idempotency-Key when set.
	Key string `yaml:"key,omitempty"`

	// Body is encoded as canonical JSON. Ignored when RawBody is set.
	Body map[string]any `yaml:"body,omitempty"`

	// RawBody is sent verbatim, for malformed input.
	RawBody string `yaml:"raw_body,omitempty"`
}

// ExpectClause is checked against a step's outcome.
type ExpectClause struct {
	Status int `yaml:"status,omitempty"`

	// Replayed, when set, must equal the presence of the replay marker.
	Replayed *bool `yaml:"replayed,omitempty"`

	// Body is a subset match against the JSON response body.
	Body map[string]any `yaml:"body,omitempty"`

	// ErrorCode matches error.code in an error envelope.
	ErrorCode string `yaml:"error_code,omitempty"`

	// Diff lists lines that must appear in the conflict diff summary.
	Diff []string `yaml:"diff,omitempty"`

	// Removed is the expected sweep count for reap steps.
	Removed *int64 `yaml:"removed,omitempty"`
}

// Assertion validates state after the flow.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Resource names a demo collection: holds, drafts or payments
	// (resource_count).
	Resource string `yaml:"resource,omitempty"`

	// Step is the 1-based flow step whose idempotency key is inspected
	// (record, record_absent).
	Step int `yaml:"step,omitempty"`

	// Tenant scopes record_count.
	Tenant string `yaml:"tenant,omitempty"`

	// Expect holds expected record fields (record): status,
	// response_status, route_pattern.
	Expect map[string]any `yaml:"expect,omitempty"`

	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertResourceCount = "resource_count"
	AssertRecord        = "record"
	AssertRecordAbsent  = "record_absent"
	AssertRecordCount   = "record_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, ok := httpapi.ParseReplayStatus(s.ReplayStatus); !ok {
		return fmt.Errorf("replay_status %q must be original or ok", s.ReplayStatus)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, len(s.Flow)); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch {
	case step.Request == nil && !step.Reap:
		return fmt.Errorf("one of request or reap is required")
	case step.Request != nil && step.Reap:
		return fmt.Errorf("request and reap are mutually exclusive")
	case step.Reap:
		return nil
	}

	r := step.Request
	if r.Method == "" {
		return fmt.Errorf("request.method is required")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("request.path must start with /")
	}
	return nil
}

func validateAssertion(a Assertion, steps int) error {
	switch a.Type {
	case AssertResourceCount:
		switch a.Resource {
		case "holds", "drafts", "payments":
		default:
			return fmt.Errorf("resource_count: unknown resource %q", a.Resource)
		}
	case AssertRecord, AssertRecordAbsent:
		if a.Step < 1 || a.Step > steps {
			return fmt.Errorf("%s: step %d out of range 1..%d", a.Type, a.Step, steps)
		}
	case AssertRecordCount:
		if a.Tenant == "" {
			return fmt.Errorf("record_count: tenant is required")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
