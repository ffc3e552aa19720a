package reaper

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// TaskQueue is the Temporal task queue the sweep worker polls.
const TaskQueue = "idem-reaper"

// SweepResult is the outcome of one scheduled sweep.
type SweepResult struct {
	Removed int64     `json:"removed"`
	Cutoff  time.Time `json:"cutoff"`
}

// Activities holds the dependencies of the sweep activity.
type Activities struct {
	Sweeper Sweeper
}

// SweepExpired deletes records that expired before cutoff.
func (a *Activities) SweepExpired(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	logger := activity.GetLogger(ctx)

	if a == nil || a.Sweeper == nil {
		logger.Error("Activity dependencies not set")
		return SweepResult{}, temporal.NewNonRetryableApplicationError("sweeper not initialized", "DependencyError", nil)
	}

	removed, err := a.Sweeper.Sweep(ctx, cutoff)
	if err != nil {
		logger.Error("Sweep failed", "cutoff", cutoff, "error", err)
		return SweepResult{}, err
	}

	logger.Info("Sweep complete", "cutoff", cutoff, "removed", removed)
	return SweepResult{Removed: removed, Cutoff: cutoff}, nil
}

// SweepWorkflow runs one sweep with the workflow's current time as cutoff.
// Scheduled by `idem worker` at the reap interval.
func SweepWorkflow(ctx workflow.Context) (SweepResult, error) {
	logger := workflow.GetLogger(ctx)
	cutoff := workflow.Now(ctx)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	activityCtx := workflow.WithActivityOptions(ctx, activityOptions)

	var a *Activities
	var result SweepResult
	if err := workflow.ExecuteActivity(activityCtx, a.SweepExpired, cutoff).Get(ctx, &result); err != nil {
		logger.Error("Sweep workflow failed", "error", err)
		return SweepResult{}, err
	}

	logger.Info("Sweep workflow completed", "removed", result.Removed)
	return result, nil
}
