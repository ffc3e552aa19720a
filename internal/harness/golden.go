package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/idem/internal/canon"
)

// Snapshot renders a result's trace as canonical JSON. Claim keys, content
// hashes and timestamps are left out so snapshots read the same across
// store backends.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, event := range result.Trace {
		trace[i] = event.snapshotValue()
	}
	v, err := canon.FromAny(map[string]any{
		"scenario_name": scenarioName,
		"trace":         trace,
	})
	if err != nil {
		return nil, err
	}
	return canon.Marshal(v), nil
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
