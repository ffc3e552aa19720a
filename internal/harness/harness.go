package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/idem/internal/booking"
	"github.com/roach88/idem/internal/canon"
	"github.com/roach88/idem/internal/httpapi"
	"github.com/roach88/idem/internal/idempotency"
	"github.com/roach88/idem/internal/idgen"
	"github.com/roach88/idem/internal/reaper"
	"github.com/roach88/idem/internal/store"
	"github.com/roach88/idem/internal/testutil"
)

// StartTime is the scenario clock's initial reading.
var StartTime = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

// Harness runs scenarios against the demo API wired exactly as `idem serve`
// wires it, but with a manual clock and fixed resource IDs.
type Harness struct {
	store   *store.Store
	clock   *testutil.ManualClock
	handler http.Handler
	reaper  *reaper.Reaper
	service *booking.Service
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh SQLite database in a temporary
// directory that is removed afterwards. An error is returned only when the
// harness itself cannot run; failed expectations are reported in Result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "idem-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "records.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Store:    st,
		Service:  h.service,
		Scenario: scenario,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewManualClock(StartTime)

	coord, err := idempotency.New(idempotency.Config{
		Store:  st,
		Clock:  clock,
		Tokens: testutil.NewCountingGenerator("claim"),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	rp, err := reaper.New(reaper.Config{Sweeper: st, Clock: clock, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create reaper: %w", err)
	}

	mode, _ := httpapi.ParseReplayStatus(scenario.ReplayStatus)
	mw := httpapi.NewMiddleware(coord,
		httpapi.WithReplayStatus(mode),
		httpapi.WithLogger(logger),
	)

	svc := booking.NewService(idgen.NewFixedGenerator(scenario.IDs...))
	engine := gin.New()
	engine.Use(gin.CustomRecoveryWithWriter(io.Discard, func(*gin.Context, any) {}), mw.Gin())
	svc.RegisterGin(engine)

	return &Harness{
		store:   st,
		clock:   clock,
		handler: engine,
		reaper:  rp,
		service: svc,
	}, nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	h.clock.Advance(step.Advance.Std())

	if step.Reap {
		removed, err := h.reaper.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("reap: %w", err)
		}
		event := TraceEvent{Step: n, Reap: true, Removed: removed}
		result.Trace = append(result.Trace, event)
		checkExpect(result, event, step.Expect)
		return nil
	}

	body, err := requestBody(step.Request)
	if err != nil {
		return err
	}

	r := step.Request
	req := httptest.NewRequest(r.Method, r.Path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if r.Tenant != "" {
		req.Header.Set(httpapi.HeaderTenantID, r.Tenant)
	}
	if r.Key != "" {
		req.Header.Set(httpapi.HeaderIdempotencyKey, r.Key)
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	event := TraceEvent{
		Step:     n,
		Request:  r.Method + " " + r.Path,
		Status:   rec.Code,
		Replayed: rec.Header().Get(httpapi.HeaderReplayed) == "true",
		Key:      rec.Header().Get(httpapi.HeaderIdempotencyKey),
	}
	decodeResponse(&event, rec.Body.Bytes())
	result.Trace = append(result.Trace, event)
	checkExpect(result, event, step.Expect)
	return nil
}

func requestBody(r *RequestSpec) ([]byte, error) {
	if r.RawBody != "" {
		return []byte(r.RawBody), nil
	}
	if r.Body == nil {
		return nil, nil
	}
	v, err := canon.FromAny(r.Body)
	if err != nil {
		return nil, fmt.Errorf("request.body: %w", err)
	}
	return canon.Marshal(v), nil
}

// decodeResponse fills the body fields of event. Idempotency error
// envelopes are reduced to their code and diff, which are stable across
// runs; hashes and timestamps in their details are not.
func decodeResponse(event *TraceEvent, data []byte) {
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	v, err := canon.Parse(data)
	if err != nil {
		event.Body = canon.String(string(data))
		return
	}

	event.Body = v
	obj, ok := v.(canon.Object)
	if !ok {
		return
	}
	envelope, ok := obj["error"].(canon.Object)
	if !ok {
		return
	}
	code, ok := envelope["code"].(canon.String)
	if !ok {
		return
	}

	event.Body = nil
	event.ErrorCode = string(code)
	details, _ := envelope["details"].(canon.Object)
	lines, _ := details["diff_summary"].(canon.Array)
	for _, line := range lines {
		if s, ok := line.(canon.String); ok {
			event.Diff = append(event.Diff, string(s))
		}
	}
}

func checkExpect(result *Result, event TraceEvent, expect *ExpectClause) {
	if expect == nil {
		return
	}
	fail := func(format string, args ...any) {
		result.AddError(fmt.Sprintf("step %d: ", event.Step) + fmt.Sprintf(format, args...))
	}

	if expect.Status != 0 && expect.Status != event.Status {
		fail("status: expected %d, got %d", expect.Status, event.Status)
	}
	if expect.Replayed != nil && *expect.Replayed != event.Replayed {
		fail("replayed: expected %t, got %t", *expect.Replayed, event.Replayed)
	}
	if expect.ErrorCode != "" && expect.ErrorCode != event.ErrorCode {
		fail("error_code: expected %q, got %q", expect.ErrorCode, event.ErrorCode)
	}
	for _, want := range expect.Diff {
		if !contains(event.Diff, want) {
			fail("diff: %q not in [%s]", want, strings.Join(event.Diff, "; "))
		}
	}
	if expect.Removed != nil && *expect.Removed != event.Removed {
		fail("removed: expected %d, got %d", *expect.Removed, event.Removed)
	}
	if expect.Body != nil {
		want, err := canon.FromAny(expect.Body)
		if err != nil {
			fail("expect.body: %v", err)
			return
		}
		if path, ok := matchSubset(want, event.Body, "$"); !ok {
			fail("body: mismatch at %s: expected %s, got %s",
				path, canon.Render(want), renderOrNone(event.Body))
		}
	}
}

func renderOrNone(v canon.Value) string {
	if v == nil {
		return "<none>"
	}
	return canon.Render(v)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
