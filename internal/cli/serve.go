package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/idem/internal/booking"
	"github.com/roach88/idem/internal/httpapi"
	"github.com/roach88/idem/internal/idempotency"
	"github.com/roach88/idem/internal/idgen"
	"github.com/roach88/idem/internal/reaper"
	"github.com/roach88/idem/internal/ttlpolicy"
)

// HTTP frameworks the demo API can be served with.
const (
	FrameworkGin  = "gin"
	FrameworkEcho = "echo"
	FrameworkChi  = "chi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	StoreOptions
	Addr         string
	PolicyPath   string
	ReapInterval time.Duration
	ReplayStatus string
	Framework    string
	MaxBodyBytes int64

	// IDs overrides the resource ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs idgen.Generator
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo booking API behind the idempotency layer",
		Long: `Serve the demo booking API (holds, invoice drafts, payments) with every
write request passing through the idempotency middleware.

The reaper sweeps expired records every --reap-interval; set it to 0 when
sweeping is scheduled elsewhere (idem worker). SIGHUP reloads --policy.

Examples:
  idem serve --db ./idem.db
  idem serve --driver postgres --db postgres://localhost/idem --framework echo
  idem serve --driver redis --db redis://localhost:6379/0 --framework chi
  idem serve --db ./idem.db --policy ./policy.cue --replay-status ok`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	addStoreFlags(cmd, &opts.StoreOptions)
	cmd.Flags().StringVar(&opts.Addr, "addr", envOr(EnvAddr, ":8080"), "listen address")
	cmd.Flags().StringVar(&opts.PolicyPath, "policy", os.Getenv(EnvPolicy), "TTL policy file (.cue, .yaml); built-in policy if empty")
	cmd.Flags().DurationVar(&opts.ReapInterval, "reap-interval", reaper.DefaultInterval, "sweep interval; 0 disables the in-process reaper")
	cmd.Flags().StringVar(&opts.ReplayStatus, "replay-status", string(httpapi.ReplayOriginal), "status of replayed responses (original|ok)")
	cmd.Flags().StringVar(&opts.Framework, "framework", FrameworkGin, "HTTP framework (gin|echo|chi)")
	cmd.Flags().Int64Var(&opts.MaxBodyBytes, "max-body-bytes", httpapi.DefaultMaxBodyBytes, "largest request body accepted")

	return cmd
}

func addStoreFlags(cmd *cobra.Command, opts *StoreOptions) {
	cmd.Flags().StringVar(&opts.Database, "db", os.Getenv(EnvDatabase), "SQLite path, PostgreSQL DSN or Redis URL (required unless "+EnvDatabase+" is set)")
	if opts.Database == "" {
		_ = cmd.MarkFlagRequired("db")
	}
	cmd.Flags().StringVar(&opts.Driver, "driver", envOr(EnvDriver, DriverSQLite), "record store driver (sqlite|postgres|redis)")
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	mode, ok := httpapi.ParseReplayStatus(opts.ReplayStatus)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --replay-status %q: must be original or ok", opts.ReplayStatus))
	}

	policy, err := loadPolicy(opts.PolicyPath)
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	slog.Info("opening record store", "driver", opts.Driver)
	st, err := openStore(ctx, opts.StoreOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing record store", "error", closeErr)
		}
	}()

	coord, err := idempotency.New(idempotency.Config{
		Store:  st,
		Policy: policy,
		Logger: slog.Default(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create coordinator", err)
	}

	ids := opts.IDs
	if ids == nil {
		ids = idgen.UUIDv7Generator{}
	}
	mw := httpapi.NewMiddleware(coord,
		httpapi.WithReplayStatus(mode),
		httpapi.WithMaxBodyBytes(opts.MaxBodyBytes),
		httpapi.WithLogger(slog.Default()),
	)
	handler, err := newHandler(opts.Framework, mw, booking.NewService(ids), st)
	if err != nil {
		return err
	}

	var rp *reaper.Reaper
	if opts.ReapInterval > 0 {
		rp, err = reaper.New(reaper.Config{Sweeper: st, Interval: opts.ReapInterval, Logger: slog.Default()})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create reaper", err)
		}
		if err := rp.Start(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to start reaper", err)
		}
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					reloadPolicy(coord, opts.PolicyPath)
					continue
				}
				slog.Info("received signal, shutting down", "signal", sig)
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	slog.Info("serving", "addr", opts.Addr, "framework", opts.Framework, "policy", policy.Version, "replay_status", mode)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", opts.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}
		if rp != nil {
			if err := rp.Stop(shutdownCtx); err != nil {
				slog.Error("error stopping reaper", "error", err)
			}
		}
		return nil
	})
	runErr := g.Wait()

	slog.Info("server stopped")
	return runErr
}

// newHandler mounts the demo API and a health check behind the middleware.
func newHandler(framework string, mw *httpapi.Middleware, svc *booking.Service, st recordStore) (http.Handler, error) {
	switch framework {
	case FrameworkGin, "":
		engine := gin.New()
		engine.Use(gin.Recovery(), mw.Gin())
		svc.RegisterGin(engine)
		engine.GET("/healthz", func(c *gin.Context) {
			status, body := health(c.Request.Context(), st)
			c.JSON(status, body)
		})
		return engine, nil

	case FrameworkEcho:
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.Use(middleware.Recover(), mw.Echo())
		svc.RegisterEcho(e)
		e.GET("/healthz", func(c echo.Context) error {
			status, body := health(c.Request().Context(), st)
			return c.JSON(status, body)
		})
		return e, nil

	case FrameworkChi:
		r := chi.NewRouter()
		r.Use(chimw.Recoverer)
		// Group middleware runs after routing, so the middleware sees the
		// matched pattern.
		r.Group(func(r chi.Router) {
			r.Use(mw.Handler)
			svc.RegisterChi(r)
		})
		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			status, body := health(req.Context(), st)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(body)
		})
		return r, nil
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown framework %q: must be %s, %s or %s", framework, FrameworkGin, FrameworkEcho, FrameworkChi))
}

func health(ctx context.Context, st recordStore) (int, map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}
	}
	return http.StatusOK, map[string]string{"status": "ok"}
}

func loadPolicy(path string) (*ttlpolicy.Policy, error) {
	if path == "" {
		return ttlpolicy.Default(), nil
	}
	p, err := ttlpolicy.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err).WithCode(ErrCodePolicy)
	}
	return p, nil
}

func reloadPolicy(coord *idempotency.Coordinator, path string) {
	if path == "" {
		slog.Info("no policy file configured, nothing to reload")
		return
	}
	p, err := ttlpolicy.Load(path)
	if err == nil {
		err = coord.SetPolicy(p)
	}
	if err != nil {
		slog.Error("policy reload failed, keeping current policy", "path", path, "error", err)
	}
}
