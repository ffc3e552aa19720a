package cli

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"

	"github.com/roach88/idem/internal/reaper"
)

// ScheduleID is the Temporal schedule that triggers sweeps.
const ScheduleID = "idem-reaper-sweep"

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	StoreOptions
	TemporalHost  string
	Namespace     string
	ScheduleEvery time.Duration
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the reaper as a Temporal worker",
		Long: `Run a Temporal worker that executes sweep workflows against the record
store. Unless --schedule-every is 0, a schedule is registered that starts a
sweep at that interval; an existing schedule is left as is.

Use this instead of the in-process reaper (serve --reap-interval 0) when
several servers share one store.

Examples:
  idem worker --db ./idem.db
  idem worker --driver postgres --db postgres://localhost/idem --temporal-host temporal:7233`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	addStoreFlags(cmd, &opts.StoreOptions)
	cmd.Flags().StringVar(&opts.TemporalHost, "temporal-host", envOr(EnvTemporalHost, client.DefaultHostPort), "Temporal frontend address")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", client.DefaultNamespace, "Temporal namespace")
	cmd.Flags().DurationVar(&opts.ScheduleEvery, "schedule-every", reaper.DefaultInterval, "sweep schedule interval; 0 to skip schedule registration")

	return cmd
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(ctx, opts.StoreOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := client.Dial(client.Options{
		HostPort:  opts.TemporalHost,
		Namespace: opts.Namespace,
		Logger:    log.NewStructuredLogger(slog.Default()),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to temporal", err).WithCode(ErrCodeTemporal)
	}
	defer c.Close()

	if opts.ScheduleEvery > 0 {
		if err := ensureSchedule(ctx, c, opts.ScheduleEvery); err != nil {
			return WrapExitError(ExitFailure, "failed to register sweep schedule", err).WithCode(ErrCodeTemporal)
		}
	}

	w := worker.New(c, reaper.TaskQueue, worker.Options{})
	w.RegisterWorkflow(reaper.SweepWorkflow)
	w.RegisterActivity(&reaper.Activities{Sweeper: st})

	slog.Info("reaper worker started", "task_queue", reaper.TaskQueue, "namespace", opts.Namespace)
	if err := w.Run(worker.InterruptCh()); err != nil {
		return WrapExitError(ExitFailure, "worker stopped", err).WithCode(ErrCodeTemporal)
	}
	slog.Info("reaper worker stopped")
	return nil
}

func ensureSchedule(ctx context.Context, c client.Client, every time.Duration) error {
	_, err := c.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: every}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        ScheduleID + "-run",
			Workflow:  reaper.SweepWorkflow,
			TaskQueue: reaper.TaskQueue,
		},
	})
	if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		slog.Debug("sweep schedule already registered", "schedule_id", ScheduleID)
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("sweep schedule registered", "schedule_id", ScheduleID, "every", every)
	return nil
}
