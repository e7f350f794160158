package governor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// timeoutResponse is the body of a 504.
type timeoutResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId"`
}

// Middleware runs the handler under op's deadline. The handler writes into a
// buffer that is copied to the client only if it finishes in time; otherwise
// the client gets a 504 and whatever the handler writes later is dropped.
func (g *Governor) Middleware(op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := newBufferedWriter()

			err := g.Do(r.Context(), op, func(ctx context.Context) error {
				next.ServeHTTP(buf, r.WithContext(ctx))
				return nil
			})

			var te *TimeoutError
			switch {
			case err == nil:
				buf.flushTo(w)
			case errors.As(err, &te):
				writeTimeout(w, te)
			case errors.Is(err, context.Canceled):
				// client went away, nobody to answer
			default:
				g.logger.Error("handler failed", zap.String("op", op), zap.Error(err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		})
	}
}

func writeTimeout(w http.ResponseWriter, te *TimeoutError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", te.RequestID)
	w.WriteHeader(http.StatusGatewayTimeout)
	_ = json.NewEncoder(w).Encode(timeoutResponse{
		Success:   false,
		Error:     te.Error(),
		Code:      "TIMEOUT",
		RequestID: te.RequestID,
	})
}

// bufferedWriter collects a response so it can be discarded on timeout.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
