package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/idem/internal/canon"
	"github.com/roach88/idem/internal/idemkey"
	"github.com/roach88/idem/internal/idgen"
	"github.com/roach88/idem/internal/store"
	"github.com/roach88/idem/internal/ttlpolicy"
)

// Clock supplies wall time for claims, completions and lease extension.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// RetryConfig bounds retries of store calls that failed with
// store.ErrUnavailable.
type RetryConfig struct {
	Attempts  int           // total attempts, including the first
	BaseDelay time.Duration // delay before the second attempt; doubles after
	MaxDelay  time.Duration
}

// DefaultRetry is used when Config.Retry is zero.
var DefaultRetry = RetryConfig{
	Attempts:  3,
	BaseDelay: 50 * time.Millisecond,
	MaxDelay:  500 * time.Millisecond,
}

// Config wires a Coordinator.
type Config struct {
	Store  RecordStore
	Policy *ttlpolicy.Policy // nil means ttlpolicy.Default()
	Clock  Clock             // nil means SystemClock
	Tokens idgen.Generator   // nil means UUIDv7
	Logger *slog.Logger      // nil means slog.Default()
	Retry  RetryConfig

	// Tracer records a span per Begin and Complete. Nil means the global
	// OpenTelemetry provider.
	Tracer trace.TracerProvider

	// KeepAliveInterval overrides the lease extension period. Zero means
	// half the record's TTL.
	KeepAliveInterval time.Duration
}

// Coordinator runs the idempotency pipeline: normalise, derive the key,
// look up the TTL, claim in the store and resolve the outcome.
//
// Thread-safety: Coordinator is safe for concurrent use.
type Coordinator struct {
	store     RecordStore
	policy    atomic.Pointer[ttlpolicy.Policy]
	clock     Clock
	tokens    idgen.Generator
	logger    *slog.Logger
	tracer    trace.Tracer
	retry     RetryConfig
	keepAlive time.Duration
}

const tracerName = "github.com/roach88/idem/internal/idempotency"

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	c := &Coordinator{
		store:     cfg.Store,
		clock:     cfg.Clock,
		tokens:    cfg.Tokens,
		logger:    cfg.Logger,
		retry:     cfg.Retry,
		keepAlive: cfg.KeepAliveInterval,
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.tokens == nil {
		c.tokens = idgen.UUIDv7Generator{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retry.Attempts <= 0 {
		c.retry = DefaultRetry
	}
	if cfg.Tracer != nil {
		c.tracer = cfg.Tracer.Tracer(tracerName)
	} else {
		c.tracer = otel.Tracer(tracerName)
	}

	policy := cfg.Policy
	if policy == nil {
		policy = ttlpolicy.Default()
	}
	if err := c.SetPolicy(policy); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	return c, nil
}

// SetPolicy validates and installs a new TTL policy. Records already claimed
// keep the TTL and version they were claimed with.
func (c *Coordinator) SetPolicy(p *ttlpolicy.Policy) error {
	if p == nil {
		return errors.New("set policy: policy is nil")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	c.policy.Store(p)
	c.logger.Info("ttl policy installed", "version", p.Version, "rules", len(p.Rules))
	return nil
}

// Policy returns the policy currently in force.
func (c *Coordinator) Policy() *ttlpolicy.Policy {
	return c.policy.Load()
}

// Request is an incoming write request as the coordinator sees it.
type Request struct {
	TenantID string
	Method   string

	// Route is the router's path template ("/holds/:id") or, when none is
	// known, the raw request path.
	Route string

	// Key is the client-supplied idempotency key; empty means derive one.
	Key string

	Body []byte
}

// Decision is the result of Begin for PROCEED and REPLAY outcomes.
// CONFLICT and IN_PROGRESS are returned as errors.
type Decision struct {
	Outcome      Outcome
	Key          string
	Derived      bool // Key was derived rather than supplied
	RoutePattern string
	ContentHash  string
	TTL          ttlpolicy.Resolution
	Record       store.Record

	Claim  *Claim  // set for OutcomeProceed
	Replay *Replay // set for OutcomeReplay
}

// Begin runs the pipeline for req.
//
// Errors: *ValidationError for a bad tenant, key or body; *ConflictError and
// *InProgressError from the resolver; *StorageUnavailableError when no
// durable claim could be taken. Begin never returns PROCEED without a
// committed claim.
func (c *Coordinator) Begin(ctx context.Context, req Request) (*Decision, error) {
	ctx, span := c.tracer.Start(ctx, "idempotency.Begin",
		trace.WithAttributes(
			attribute.String("idempotency.tenant", req.TenantID),
			attribute.String("idempotency.method", req.Method),
			attribute.String("idempotency.route", req.Route),
		),
	)
	defer span.End()

	d, err := c.begin(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("idempotency.key", d.Key),
		attribute.Bool("idempotency.derived", d.Derived),
		attribute.String("idempotency.outcome", string(d.Outcome)),
		attribute.String("idempotency.policy_version", d.TTL.Version),
	)
	return d, nil
}

func (c *Coordinator) begin(ctx context.Context, req Request) (*Decision, error) {
	if req.TenantID == "" {
		return nil, newValidationError("tenant", "tenant id is required", nil)
	}

	body, err := canon.Parse(req.Body)
	if err != nil {
		return nil, newValidationError("body", "request body is not valid JSON", err)
	}
	snapshot := canon.Normalize(body)
	canonical := canon.Marshal(snapshot)
	hash := idemkey.ContentHash(canonical)
	route := idemkey.RoutePattern(req.Method, req.Route)
	path := idemkey.PathTemplate(req.Route)

	d := &Decision{RoutePattern: route, ContentHash: hash}
	if req.Key != "" {
		if err := idemkey.ValidateSuppliedKey(req.Key); err != nil {
			return nil, newValidationError("key", err.Error(), err)
		}
		d.Key = req.Key
	} else {
		d.Key = idemkey.Derive(req.TenantID, req.Method, path, hash)
		d.Derived = true
	}

	policy := c.policy.Load()
	d.TTL = policy.Resolve(route)
	token := c.tokens.Generate()

	var res store.ClaimResult
	attempts, err := c.withRetry(ctx, func() error {
		var err error
		res, err = c.store.Claim(ctx, store.ClaimParams{
			TenantID:        req.TenantID,
			IdempotencyKey:  d.Key,
			RoutePattern:    route,
			ContentHash:     hash,
			RequestSnapshot: canonical,
			ClaimToken:      token,
			TTL:             d.TTL.TTL,
			PolicyVersion:   d.TTL.Version,
			Now:             c.clock.Now(),
		})
		return err
	})
	if err != nil {
		return nil, c.storageError("claim", attempts, err)
	}

	// An earlier attempt may have committed before its error surfaced.
	if !res.Claimed && res.Record.ClaimToken == token {
		res.Claimed = true
	}

	resolution, err := Resolve(Attempt{Key: d.Key, ContentHash: hash, Snapshot: snapshot}, res, c.clock.Now())
	log := c.logger.With("tenant", req.TenantID, "key", d.Key, "route", route, "outcome", resolution.Outcome)
	if err != nil {
		log.Debug("idempotency decision", "error", err)
		return nil, err
	}
	log.Debug("idempotency decision", "reclaimed", res.Reclaimed, "ttl", d.TTL.TTL, "category", d.TTL.Category)

	d.Outcome = resolution.Outcome
	d.Record = resolution.Record
	d.Replay = resolution.Replay
	if d.Outcome == OutcomeProceed {
		d.Claim = &Claim{c: c, rec: resolution.Record}
	}
	return d, nil
}

// Response is a handler's result, recorded for replay.
type Response struct {
	Status int
	Body   []byte
	Header map[string][]string
}

// Claim is a held claim on a key. Complete must be called on every exit
// path of the handler, including failures, so error responses replay too.
type Claim struct {
	c         *Coordinator
	mu        sync.Mutex
	rec       store.Record
	completed atomic.Bool
}

// Record returns the claimed record as last seen.
func (cl *Claim) Record() store.Record {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.rec
}

// Complete records resp against the claim. It takes effect at most once;
// later calls return store.ErrAlreadyCompleted. A *StorageUnavailableError
// leaves the claim open so the caller may try again.
func (cl *Claim) Complete(ctx context.Context, resp Response) (store.Record, error) {
	if !cl.completed.CompareAndSwap(false, true) {
		return store.Record{}, fmt.Errorf("complete: %w", store.ErrAlreadyCompleted)
	}
	c := cl.c
	rec := cl.Record()

	ctx, span := c.tracer.Start(ctx, "idempotency.Complete",
		trace.WithAttributes(
			attribute.String("idempotency.tenant", rec.TenantID),
			attribute.String("idempotency.key", rec.IdempotencyKey),
			attribute.Int("http.response.status_code", resp.Status),
		),
	)
	defer span.End()

	var out store.Record
	attempts, err := c.withRetry(ctx, func() error {
		var err error
		out, err = c.store.Complete(ctx, store.CompleteParams{
			TenantID:        rec.TenantID,
			IdempotencyKey:  rec.IdempotencyKey,
			ClaimToken:      rec.ClaimToken,
			ResponseStatus:  resp.Status,
			ResponseBody:    resp.Body,
			ResponseHeaders: resp.Header,
			Now:             c.clock.Now(),
		})
		return err
	})

	// A retried Complete can find its own earlier write.
	if attempts > 1 && errors.Is(err, store.ErrAlreadyCompleted) {
		if got, gerr := c.store.Get(ctx, rec.TenantID, rec.IdempotencyKey); gerr == nil && got.ClaimToken == rec.ClaimToken {
			out, err = got, nil
		}
	}

	log := c.logger.With("tenant", rec.TenantID, "key", rec.IdempotencyKey, "status", resp.Status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete failed")
		if errors.Is(err, store.ErrUnavailable) {
			cl.completed.Store(false)
			log.Warn("complete failed, claim left open", "error", err)
			return store.Record{}, c.storageError("complete", attempts, err)
		}
		log.Warn("complete rejected", "error", err)
		return store.Record{}, fmt.Errorf("complete: %w", err)
	}

	cl.mu.Lock()
	cl.rec = out
	cl.mu.Unlock()
	log.Debug("claim completed")
	return out, nil
}

// KeepAlive extends the claim's lease by its TTL every TTL/2 until ctx is
// done or the claim is completed. It returns nil in both cases, and an error
// when the claim was lost to another request.
//
// Run it alongside the handler:
//
//	ctx, stop := context.WithCancel(ctx)
//	go claim.KeepAlive(ctx)
//	defer stop()
func (cl *Claim) KeepAlive(ctx context.Context) error {
	c := cl.c
	rec := cl.Record()
	interval := c.keepAlive
	if interval <= 0 {
		interval = rec.TTL / 2
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if cl.completed.Load() {
			return nil
		}

		updated, err := c.store.Extend(ctx, rec.TenantID, rec.IdempotencyKey, rec.ClaimToken, c.clock.Now().Add(rec.TTL))
		switch {
		case err == nil:
			cl.mu.Lock()
			cl.rec.ExpiresAt = updated.ExpiresAt
			cl.mu.Unlock()
			c.logger.Debug("lease extended", "tenant", rec.TenantID, "key", rec.IdempotencyKey, "expires_at", updated.ExpiresAt)
		case errors.Is(err, store.ErrAlreadyCompleted):
			return nil
		case errors.Is(err, store.ErrUnavailable), ctx.Err() != nil:
			// Try again next tick; the lease still has TTL/2 of slack.
			c.logger.Warn("lease extension failed", "tenant", rec.TenantID, "key", rec.IdempotencyKey, "error", err)
		default:
			c.logger.Error("lease lost", "tenant", rec.TenantID, "key", rec.IdempotencyKey, "error", err)
			return fmt.Errorf("keep alive: %w", err)
		}
	}
}

// withRetry runs fn until it succeeds, fails with an error other than
// store.ErrUnavailable, or runs out of attempts. It returns the number of
// attempts made.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) (int, error) {
	delay := c.retry.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrUnavailable) || attempt >= c.retry.Attempts {
			return attempt, err
		}
		c.logger.Debug("store unavailable, retrying", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if c.retry.MaxDelay > 0 && delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}
}

// storageError maps store.ErrUnavailable to *StorageUnavailableError and
// wraps everything else.
func (c *Coordinator) storageError(op string, attempts int, err error) error {
	if !errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.logger.Error("store unavailable", "op", op, "attempts", attempts, "error", err)
	return &StorageUnavailableError{
		Code:       CodeStorageUnavailable,
		Op:         op,
		Attempts:   attempts,
		RetryAfter: time.Second,
		Err:        err,
	}
}
