package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:generate mockgen -source=reaper.go -destination=mocks/mock_sweeper.go -package=mocks

// Sweeper deletes records whose expiry is strictly before now.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Clock supplies the sweep cutoff.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ErrRunning is returned by Start when the loop is already running.
var ErrRunning = errors.New("reaper already running")

// DefaultInterval is the sweep period when Config.Interval is zero.
const DefaultInterval = time.Minute

// Config wires a Reaper.
type Config struct {
	Sweeper  Sweeper
	Clock    Clock         // nil means time.Now
	Interval time.Duration // zero means DefaultInterval
	Logger   *slog.Logger  // nil means slog.Default()

	// BaseBackoff is the first retry delay after a failed sweep; it doubles
	// per consecutive failure and is capped at Interval.
	BaseBackoff time.Duration
}

// Stats is a snapshot of the reaper's counters.
type Stats struct {
	Runs                int64
	Failures            int64
	Removed             int64
	ConsecutiveFailures int
	LastRun             time.Time
	LastRemoved         int64
	LastError           string
	Running             bool
}

// Reaper periodically sweeps expired records.
//
// Thread-safety: all methods are safe for concurrent use.
type Reaper struct {
	sweeper     Sweeper
	clock       Clock
	interval    time.Duration
	baseBackoff time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Reaper.
func New(cfg Config) (*Reaper, error) {
	if cfg.Sweeper == nil {
		return nil, errors.New("reaper: sweeper is required")
	}
	r := &Reaper{
		sweeper:     cfg.Sweeper,
		clock:       cfg.Clock,
		interval:    cfg.Interval,
		baseBackoff: cfg.BaseBackoff,
		logger:      cfg.Logger,
	}
	if r.clock == nil {
		r.clock = systemClock{}
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.baseBackoff <= 0 || r.baseBackoff > r.interval {
		r.baseBackoff = min(time.Second, r.interval)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// RunOnce performs one sweep now and records it in Stats.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	now := r.clock.Now()
	ctx, span := otel.Tracer("github.com/roach88/idem/internal/reaper").Start(ctx, "reaper.Sweep",
		trace.WithAttributes(attribute.String("reaper.cutoff", now.UTC().Format(time.RFC3339))),
	)
	defer span.End()

	removed, err := r.sweeper.Sweep(ctx, now)

	r.mu.Lock()
	r.stats.Runs++
	r.stats.LastRun = now
	if err != nil {
		r.stats.Failures++
		r.stats.ConsecutiveFailures++
		r.stats.LastError = err.Error()
		r.stats.LastRemoved = 0
	} else {
		r.stats.ConsecutiveFailures = 0
		r.stats.LastError = ""
		r.stats.LastRemoved = removed
		r.stats.Removed += removed
	}
	r.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		r.logger.Warn("sweep failed", "error", err)
		return 0, fmt.Errorf("reaper: %w", err)
	}
	span.SetAttributes(attribute.Int64("reaper.removed", removed))
	if removed > 0 {
		r.logger.Info("swept expired records", "removed", removed)
	} else {
		r.logger.Debug("sweep found nothing to remove")
	}
	return removed, nil
}

// Start launches the sweep loop. The first sweep runs immediately.
// The loop runs until Stop is called or ctx is done.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
			// Previous loop ended with its parent context.
			r.cancel()
		default:
			return ErrRunning
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info("reaper started", "interval", r.interval)
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish, or for
// ctx to be done. Stopping a stopped reaper is a no-op.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("reaper: stop: %w", ctx.Err())
	}

	// A concurrent Start may have replaced the loop while we waited.
	r.mu.Lock()
	if r.done == done {
		r.cancel = nil
		r.done = nil
	}
	r.mu.Unlock()

	r.logger.Info("reaper stopped")
	return nil
}

// Stats returns a snapshot of the counters.
func (r *Reaper) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	if r.done != nil {
		select {
		case <-r.done:
		default:
			out.Running = true
		}
	}
	return out
}

// Interval returns the configured sweep period.
func (r *Reaper) Interval() time.Duration {
	return r.interval
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait := r.interval
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = r.backoff()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// backoff is BaseBackoff doubled per consecutive failure, capped at the
// interval.
func (r *Reaper) backoff() time.Duration {
	r.mu.Lock()
	failures := r.stats.ConsecutiveFailures
	r.mu.Unlock()

	d := r.baseBackoff
	for i := 1; i < failures && d < r.interval; i++ {
		d *= 2
	}
	return min(d, r.interval)
}
