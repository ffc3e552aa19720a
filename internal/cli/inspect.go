package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/idem/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	StoreOptions
	Tenant string
	Route  string // optional - list records for one route pattern
	Limit  int
}

// UsageRow is one route's record counts.
type UsageRow struct {
	RoutePattern string `json:"route_pattern"`
	Pending      int64  `json:"pending"`
	Completed    int64  `json:"completed"`
}

// RecordRow is one record as shown by inspect.
type RecordRow struct {
	Key             string     `json:"key"`
	RoutePattern    string     `json:"route_pattern"`
	Status          string     `json:"status"`
	ContentHash     string     `json:"content_hash"`
	ResponseStatus  int        `json:"response_status,omitempty"`
	PolicyVersion   string     `json:"policy_version,omitempty"`
	TTL             string     `json:"ttl"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	RequestSnapshot string     `json:"request_snapshot,omitempty"`
}

// InspectResult is the output of the inspect command.
type InspectResult struct {
	Tenant  string      `json:"tenant"`
	Route   string      `json:"route,omitempty"`
	Usage   []UsageRow  `json:"usage,omitempty"`
	Records []RecordRow `json:"records,omitempty"`
}

// WriteText implements textRenderer.
func (r InspectResult) WriteText(w io.Writer, verbose bool) {
	if r.Route == "" {
		fmt.Fprintf(w, "Records for tenant %s\n", r.Tenant)
		if len(r.Usage) == 0 {
			fmt.Fprintln(w, "  (none)")
			return
		}
		for _, u := range r.Usage {
			fmt.Fprintf(w, "  %-40s pending=%d completed=%d\n", u.RoutePattern, u.Pending, u.Completed)
		}
		return
	}

	fmt.Fprintf(w, "Records for tenant %s, route %s\n", r.Tenant, r.Route)
	if len(r.Records) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, rec := range r.Records {
		fmt.Fprintf(w, "  %s  %-9s", truncateKey(rec.Key), rec.Status)
		if rec.ResponseStatus != 0 {
			fmt.Fprintf(w, " %d", rec.ResponseStatus)
		}
		fmt.Fprintf(w, "  expires %s\n", rec.ExpiresAt.Format(time.RFC3339))
		if verbose {
			fmt.Fprintf(w, "       hash: %s  policy: %s  ttl: %s\n", rec.ContentHash, rec.PolicyVersion, rec.TTL)
			fmt.Fprintf(w, "       body: %s\n", rec.RequestSnapshot)
		}
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show idempotency records for a tenant",
		Long: `Show a tenant's idempotency records.

Without --route, prints pending and completed counts per route pattern.
With --route, lists that route's records, newest first.

Examples:
  idem inspect --db ./idem.db --tenant T1
  idem inspect --db ./idem.db --tenant T1 --route "POST /holds" --limit 5 -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	addStoreFlags(cmd, &opts.StoreOptions)
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&opts.Route, "route", "", `route pattern, e.g. "POST /holds"`)
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum records to list; 0 for all")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(ctx, opts.StoreOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	result := InspectResult{Tenant: opts.Tenant, Route: opts.Route}
	if opts.Route == "" {
		usage, err := st.UsageByRoute(ctx, opts.Tenant)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read usage", err).WithCode(ErrCodeStore)
		}
		for _, u := range usage {
			result.Usage = append(result.Usage, UsageRow(u))
		}
	} else {
		records, err := st.ListByRoute(ctx, opts.Tenant, opts.Route, opts.Limit)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list records", err).WithCode(ErrCodeStore)
		}
		for _, rec := range records {
			result.Records = append(result.Records, recordRow(rec))
		}
	}

	return formatter(opts.RootOptions, cmd).Success(result)
}

func recordRow(rec store.Record) RecordRow {
	row := RecordRow{
		Key:             rec.IdempotencyKey,
		RoutePattern:    rec.RoutePattern,
		Status:          string(rec.Status),
		ContentHash:     rec.ContentHash,
		ResponseStatus:  rec.ResponseStatus,
		PolicyVersion:   rec.PolicyVersion,
		TTL:             rec.TTL.String(),
		CreatedAt:       rec.CreatedAt.UTC(),
		ExpiresAt:       rec.ExpiresAt.UTC(),
		RequestSnapshot: string(rec.RequestSnapshot),
	}
	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt.UTC()
		row.CompletedAt = &completed
	}
	return row
}

// truncateKey shortens long derived keys for display.
func truncateKey(key string) string {
	if len(key) <= 40 {
		return key
	}
	return key[:20] + "..." + key[len(key)-16:]
}
