package httpapi

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/idem/internal/idempotency"
)

// responseWriter buffers the handler's response so it can be recorded
// before anything reaches the client.
type responseWriter struct {
	gin.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func newResponseWriter(w gin.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
	}
}

// WriteHeaderNow marks the header as sent without touching the real writer.
func (w *responseWriter) WriteHeaderNow() {
	w.written = true
}

func (w *responseWriter) Write(data []byte) (int, error) {
	w.written = true
	return w.body.Write(data)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	w.written = true
	return w.body.WriteString(s)
}

func (w *responseWriter) Status() int {
	return w.statusCode
}

func (w *responseWriter) Written() bool {
	return w.written
}

func (w *responseWriter) Size() int {
	if !w.written {
		return -1
	}
	return w.body.Len()
}

// Flush is a no-op while capturing; the response is sent whole.
func (w *responseWriter) Flush() {}

// Gin returns the middleware as a gin handler. Only routes registered with
// the engine are guarded, keyed by their path template.
func (m *Middleware) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if !m.guards(c.Request.Method) || route == "" {
			c.Next()
			return
		}

		d, err := m.begin(c.Request, route)
		if err != nil {
			status, header, body := m.failure(c.Request, err)
			for name, values := range header {
				c.Writer.Header()[name] = values
			}
			c.AbortWithStatusJSON(status, body)
			return
		}

		if d.Outcome == idempotency.OutcomeReplay {
			m.writeReplay(c.Writer, d)
			c.Abort()
			return
		}

		original := c.Writer
		capture := newResponseWriter(original)
		original.Header().Set(HeaderIdempotencyKey, d.Key)
		c.Writer = capture
		stop := m.keepAlive(c.Request.Context(), d)

		defer func() {
			stop()
			c.Writer = original
			if p := recover(); p != nil {
				original.Header().Set("Content-Type", "application/json; charset=utf-8")
				m.complete(c.Request.Context(), d, http.StatusInternalServerError, original.Header(), panicBody)
				original.WriteHeader(http.StatusInternalServerError)
				original.Write(panicBody)
				panic(p)
			}
		}()

		c.Next()

		m.complete(c.Request.Context(), d, capture.statusCode, original.Header(), capture.body.Bytes())
		original.WriteHeader(capture.statusCode)
		original.Write(capture.body.Bytes())
	}
}
