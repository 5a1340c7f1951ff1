package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/encounters/internal/idempotency"
	"github.com/pitabwire/encounters/internal/observability"
	"github.com/pitabwire/encounters/model"
)

// Headers used for request deduplication.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// Idempotency replays the recorded response for a POST that repeats an
// Idempotency-Key with the same actor and body. A reused key with different
// input is rejected with CONFLICT. Only 2xx responses are recorded, so a
// blocked transition can be retried under the same key.
func Idempotency(store idempotency.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(HeaderIdempotencyKey)
			if r.Method != http.MethodPost || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				b, err := io.ReadAll(r.Body)
				if err != nil {
					writeError(w, r, model.NewBadRequestError("unreadable request body: "+err.Error()))
					return
				}
				body = b
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			ctx := r.Context()
			key := idempotency.Key(r.URL.Path, clientKey)
			hash := idempotency.HashRequest(r.Method, r.URL.Path, model.ActorFrom(ctx), body)

			cached, found, err := store.Check(ctx, key, hash)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if found {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderReplayed, "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}
			resp := idempotency.Response{Status: rec.status, Body: rec.body.Bytes()}
			if err := store.Save(ctx, key, hash, resp, ttl); err != nil {
				observability.LoggerFrom(ctx, zap.NewNop()).Warn("idempotency save failed",
					zap.String("key", key),
					zap.Error(err),
				)
			}
		})
	}
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
