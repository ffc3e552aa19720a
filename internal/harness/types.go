package harness

import (
	"github.com/roach88/idem/internal/canon"
)

// TraceEvent records what one flow step observed.
type TraceEvent struct {
	Step int

	// Request is "METHOD /path"; empty for reap steps.
	Request  string
	Status   int
	Replayed bool

	// Key is the Idempotency-Key response header. Derived keys embed a
	// content hash, so it is kept out of golden snapshots.
	Key string

	// Body is the decoded response body, unless the response was an
	// idempotency error envelope, in which case ErrorCode and Diff are set.
	Body      canon.Value
	ErrorCode string
	Diff      []string

	Reap    bool
	Removed int64
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool

	// Trace has one event per flow step.
	Trace []TraceEvent

	// Errors describes each failed expectation or assertion.
	Errors []string
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

// snapshotValue renders the event for golden comparison.
func (e TraceEvent) snapshotValue() map[string]any {
	out := map[string]any{"step": e.Step}
	if e.Reap {
		out["reap"] = true
		out["removed"] = e.Removed
		return out
	}

	out["request"] = e.Request
	out["status"] = e.Status
	out["replayed"] = e.Replayed
	if e.ErrorCode != "" {
		out["error_code"] = e.ErrorCode
		if len(e.Diff) > 0 {
			diff := make([]any, len(e.Diff))
			for i, line := range e.Diff {
				diff[i] = line
			}
			out["diff_summary"] = diff
		}
		return out
	}
	if e.Body != nil {
		out["body"] = e.Body
	}
	return out
}
