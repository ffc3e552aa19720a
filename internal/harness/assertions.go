package harness

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/idem/internal/booking"
	"github.com/roach88/idem/internal/canon"
	"github.com/roach88/idem/internal/store"
)

// AssertionContext is what assertions may inspect after the flow.
type AssertionContext struct {
	Ctx      context.Context
	Store    *store.Store
	Service  *booking.Service
	Scenario *Scenario
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %s failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions runs every assertion and returns one message per
// failure. An empty slice means all passed.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertResourceCount:
		return assertResourceCount(a, actx.Service)
	case AssertRecord:
		return assertRecord(result, a, actx)
	case AssertRecordAbsent:
		return assertRecordAbsent(result, a, actx)
	case AssertRecordCount:
		return assertRecordCount(a, actx)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertResourceCount(a Assertion, svc *booking.Service) error {
	holds, drafts, payments := svc.Counts()
	got := map[string]int{"holds": holds, "drafts": drafts, "payments": payments}[a.Resource]
	if got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s", a.Count, a.Resource),
			Actual:   strconv.Itoa(got),
		}
	}
	return nil
}

// stepRecord loads the record behind the key a flow step saw.
func stepRecord(result *Result, a Assertion, actx *AssertionContext) (store.Record, error) {
	if a.Step > len(result.Trace) {
		return store.Record{}, fmt.Errorf("step %d did not run", a.Step)
	}
	event := result.Trace[a.Step-1]
	req := actx.Scenario.Flow[a.Step-1].Request
	if req == nil {
		return store.Record{}, fmt.Errorf("step %d is not a request", a.Step)
	}
	key := event.Key
	if key == "" {
		key = req.Key
	}
	if key == "" {
		return store.Record{}, fmt.Errorf("step %d has no idempotency key", a.Step)
	}
	return actx.Store.Get(actx.Ctx, req.Tenant, key)
}

func assertRecord(result *Result, a Assertion, actx *AssertionContext) error {
	rec, err := stepRecord(result, a, actx)
	if err != nil {
		return err
	}

	actual := map[string]string{
		"status":          string(rec.Status),
		"response_status": strconv.Itoa(rec.ResponseStatus),
		"route_pattern":   rec.RoutePattern,
		"policy_version":  rec.PolicyVersion,
		"ttl":             rec.TTL.String(),
	}
	for field, want := range a.Expect {
		got, ok := actual[field]
		if !ok {
			return fmt.Errorf("record: unknown field %q", field)
		}
		if fmt.Sprint(want) != got {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s=%v", field, want),
				Actual:   got,
			}
		}
	}
	return nil
}

func assertRecordAbsent(result *Result, a Assertion, actx *AssertionContext) error {
	rec, err := stepRecord(result, a, actx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: "no record",
		Actual:   fmt.Sprintf("%s record for %q", rec.Status, rec.IdempotencyKey),
	}
}

func assertRecordCount(a Assertion, actx *AssertionContext) error {
	usage, err := actx.Store.UsageByRoute(actx.Ctx, a.Tenant)
	if err != nil {
		return err
	}
	var total int64
	for _, u := range usage {
		total += u.Pending + u.Completed
	}
	if total != int64(a.Count) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d records for tenant %s", a.Count, a.Tenant),
			Actual:   strconv.FormatInt(total, 10),
		}
	}
	return nil
}

// matchSubset reports whether every field of want is present in got with
// an equal value. Arrays and scalars must match exactly. On mismatch it
// returns the path of the first difference.
func matchSubset(want, got canon.Value, path string) (string, bool) {
	wantObj, ok := want.(canon.Object)
	if !ok {
		return path, got != nil && canon.Equal(want, got)
	}
	gotObj, ok := got.(canon.Object)
	if !ok {
		return path, false
	}
	for _, k := range wantObj.SortedKeys() {
		if p, ok := matchSubset(wantObj[k], gotObj[k], path+"."+k); !ok {
			return p, false
		}
	}
	return "", true
}
