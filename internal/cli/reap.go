package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/idem/internal/reaper"
)

// ReapOptions holds flags for the reap command.
type ReapOptions struct {
	*RootOptions
	StoreOptions
	Now string // optional RFC 3339 cutoff
}

// ReapResult is the output of the reap command.
type ReapResult struct {
	Removed int64     `json:"removed"`
	Cutoff  time.Time `json:"cutoff"`
}

// WriteText implements textRenderer.
func (r ReapResult) WriteText(w io.Writer, _ bool) {
	fmt.Fprintf(w, "Removed %d expired record(s) (cutoff %s)\n", r.Removed, r.Cutoff.Format(time.RFC3339))
}

// fixedClock reads a single instant.
type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

// NewReapCommand creates the reap command.
func NewReapCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReapOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete expired idempotency records once",
		Long: `Run a single reaper sweep: delete every record whose expiry is before now
(or --now). Completed and pending records are treated alike.

Examples:
  idem reap --db ./idem.db
  idem reap --driver postgres --db postgres://localhost/idem --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReap(opts, cmd)
		},
	}

	addStoreFlags(cmd, &opts.StoreOptions)
	cmd.Flags().StringVar(&opts.Now, "now", "", "sweep as of this RFC 3339 time instead of the current time")

	return cmd
}

func runReap(opts *ReapOptions, cmd *cobra.Command) error {
	var clock reaper.Clock
	if opts.Now != "" {
		t, err := time.Parse(time.RFC3339, opts.Now)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --now", err)
		}
		clock = fixedClock(t)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(ctx, opts.StoreOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	rp, err := reaper.New(reaper.Config{Sweeper: st, Clock: clock, Logger: slog.Default()})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create reaper", err)
	}

	removed, err := rp.RunOnce(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "sweep failed", err).WithCode(ErrCodeStore)
	}

	return formatter(opts.RootOptions, cmd).Success(ReapResult{Removed: removed, Cutoff: rp.Stats().LastRun.UTC()})
}
