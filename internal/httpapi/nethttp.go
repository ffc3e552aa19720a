package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/idem/internal/idempotency"
)

// Handler returns the middleware as a net/http wrapper for chi and other
// http.Handler routers.
//
// With chi, mount it inside a Group or with r.With so it runs after routing
// and sees the route pattern. Elsewhere the raw path is used and
// identifier-looking segments are replaced with {id}.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.guards(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		d, err := m.begin(r, routeOf(r))
		if err != nil {
			status, header, body := m.failure(r, err)
			for name, values := range header {
				w.Header()[name] = values
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(body)
			return
		}

		if d.Outcome == idempotency.OutcomeReplay {
			m.writeReplay(w, d)
			return
		}

		w.Header().Set(HeaderIdempotencyKey, d.Key)
		capture := &bufferWriter{ResponseWriter: w}
		stop := m.keepAlive(r.Context(), d)

		defer func() {
			if p := recover(); p != nil {
				stop()
				w.Header().Set("Content-Type", "application/json")
				m.complete(r.Context(), d, http.StatusInternalServerError, w.Header(), panicBody)
				w.WriteHeader(http.StatusInternalServerError)
				w.Write(panicBody)
				panic(p)
			}
		}()

		next.ServeHTTP(capture, r)

		stop()
		m.complete(r.Context(), d, capture.statusCode(), w.Header(), capture.body.Bytes())
		w.WriteHeader(capture.statusCode())
		w.Write(capture.body.Bytes())
	})
}

// routeOf returns chi's matched pattern, or the request path when routing
// has not happened yet.
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "/*") {
			return pattern
		}
	}
	return r.URL.Path
}
