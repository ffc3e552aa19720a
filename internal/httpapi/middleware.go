package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/roach88/idem/internal/idempotency"
)

var errMissingTenant = errors.New("missing tenant")

// unstoredHeaders are recomputed per response and never replayed.
var unstoredHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Date":              true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	HeaderReplayed:      true,
}

// Middleware is the framework-independent part of the gin and echo
// adapters.
type Middleware struct {
	coord *idempotency.Coordinator
	opts  *MiddlewareOptions
}

// NewMiddleware creates middleware around coord.
func NewMiddleware(coord *idempotency.Coordinator, opts ...Options) *Middleware {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Middleware{coord: coord, opts: options}
}

// guards reports whether requests with this method go through the layer.
func (m *Middleware) guards(method string) bool {
	return m.opts.Methods[method]
}

// begin resolves the tenant, reads and restores the body, and runs the
// coordinator. route is the router template when known.
func (m *Middleware) begin(r *http.Request, route string) (*idempotency.Decision, error) {
	tenant := m.opts.Tenant(r)
	if tenant == "" {
		return nil, errMissingTenant
	}

	body, err := readBody(r, m.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	return m.coord.Begin(r.Context(), idempotency.Request{
		TenantID: tenant,
		Method:   r.Method,
		Route:    route,
		Key:      r.Header.Get(HeaderIdempotencyKey),
		Body:     body,
	})
}

// readBody reads at most limit bytes and puts the body back on r.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body.Close()
	if err != nil {
		return nil, &idempotency.ValidationError{
			Code:    idempotency.CodeValidation,
			Field:   "body",
			Message: "request body could not be read",
			Err:     err,
		}
	}
	if int64(len(data)) > limit {
		return nil, &idempotency.ValidationError{
			Code:    idempotency.CodeValidation,
			Field:   "body",
			Message: fmt.Sprintf("request body exceeds %d bytes", limit),
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// failure converts a begin error into a response and logs it.
func (m *Middleware) failure(r *http.Request, err error) (int, http.Header, ErrorBody) {
	if errors.Is(err, errMissingTenant) {
		return http.StatusUnauthorized, http.Header{}, unauthenticated()
	}

	status, header, body := errorResponse(err)
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	m.opts.Logger.Log(r.Context(), level, "idempotency rejected request",
		"method", r.Method,
		"path", r.URL.Path,
		"code", body.Error.Code,
		"error", err,
	)
	return status, header, body
}

// writeReplay writes a stored response to w.
func (m *Middleware) writeReplay(w http.ResponseWriter, d *idempotency.Decision) {
	h := w.Header()
	for name, values := range d.Replay.Header {
		if unstoredHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		h[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	h.Set(HeaderReplayed, "true")
	h.Set(HeaderIdempotencyKey, d.Key)

	status := d.Replay.Status
	if m.opts.ReplayStatus == ReplayOK {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(d.Replay.Body)
}

// complete records the handler's response against the claim on a context
// detached from the request, so a client disconnect cannot leave the claim
// open.
func (m *Middleware) complete(ctx context.Context, d *idempotency.Decision, status int, header http.Header, body []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CompleteTimeout)
	defer cancel()

	_, err := d.Claim.Complete(ctx, idempotency.Response{
		Status: status,
		Body:   body,
		Header: storedHeaders(header),
	})
	if err != nil {
		m.opts.Logger.Error("failed to complete idempotency claim",
			"key", d.Key,
			"status", status,
			"error", err,
		)
	}
}

// keepAlive extends the claim's lease until the returned stop is called.
func (m *Middleware) keepAlive(ctx context.Context, d *idempotency.Decision) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Claim.KeepAlive(ctx); err != nil {
			m.opts.Logger.Error("idempotency lease lost", "key", d.Key, "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func storedHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		if unstoredHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// panicBody is stored and sent when the handler panics.
var panicBody = []byte(`{"error":{"code":"INTERNAL","message":"Internal error."}}`)
