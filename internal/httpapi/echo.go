package httpapi

import (
	"bytes"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/roach88/idem/internal/idempotency"
)

// bufferWriter is the echo counterpart of responseWriter. Headers go to the
// real writer; status and body are held back.
type bufferWriter struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (w *bufferWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *bufferWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(data)
}

func (w *bufferWriter) Flush() {}

func (w *bufferWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Echo returns the middleware for echo. Register it with e.Use so it runs
// after routing and sees the matched path template.
func (m *Middleware) Echo() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if !m.guards(req.Method) || route == "" {
				return next(c)
			}

			d, err := m.begin(req, route)
			if err != nil {
				status, header, body := m.failure(req, err)
				for name, values := range header {
					c.Response().Header()[name] = values
				}
				return c.JSON(status, body)
			}

			if d.Outcome == idempotency.OutcomeReplay {
				m.writeReplay(c.Response(), d)
				return nil
			}

			resp := c.Response()
			original := resp.Writer
			capture := &bufferWriter{ResponseWriter: original}
			resp.Header().Set(HeaderIdempotencyKey, d.Key)
			resp.Writer = capture
			stop := m.keepAlive(req.Context(), d)

			restore := func() {
				stop()
				resp.Writer = original
				resp.Committed = false
				resp.Size = 0
			}

			defer func() {
				if p := recover(); p != nil {
					restore()
					resp.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
					m.complete(req.Context(), d, http.StatusInternalServerError, resp.Header(), panicBody)
					resp.WriteHeader(http.StatusInternalServerError)
					resp.Write(panicBody)
					panic(p)
				}
			}()

			// Errors are rendered while capturing so error responses are
			// recorded and replayed like any other.
			if err := next(c); err != nil {
				c.Error(err)
			}

			restore()
			m.complete(req.Context(), d, capture.statusCode(), resp.Header(), capture.body.Bytes())
			resp.WriteHeader(capture.statusCode())
			_, err = resp.Write(capture.body.Bytes())
			return err
		}
	}
}
