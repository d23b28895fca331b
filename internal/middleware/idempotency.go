package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/eventrelay/internal/logger"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyBody   = 1 << 20
)

// ResponseStore is the part of jetstream.KeyValue the middleware needs.
type ResponseStore interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

var _ ResponseStore = jetstream.KeyValue(nil)

// idempotencyEntry is a stored response.
type idempotencyEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency returns middleware that answers a repeated POST carrying the
// same Idempotency-Key with the first response, so a producer retrying a
// publish does not emit the event twice. Responses live in a NATS KV bucket
// whose TTL bounds the dedupe window. Only 2xx responses are stored.
func Idempotency(store ResponseStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			log := logger.From(ctx).With("idempotency_key", key)
			storeKey := idempotencyStoreKey(r, key)

			entry, err := store.Get(ctx, storeKey)
			switch {
			case err == nil:
				if replay(w, entry.Value()) {
					return
				}
				log.Warn("idempotency: corrupt stored response")
			case !errors.Is(err, jetstream.ErrKeyNotFound):
				// Serve without dedupe until the store is back.
				log.Warn("idempotency: lookup failed", "error", err)
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode < 200 || rec.statusCode > 299 || rec.body.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(idempotencyEntry{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if _, err := store.Put(ctx, storeKey, data); err != nil {
				log.Warn("idempotency: failed to store response", "error", err)
			}
		})
	}
}

// replay writes a stored response, reporting false if it cannot be decoded.
func replay(w http.ResponseWriter, data []byte) bool {
	var cached idempotencyEntry
	if err := json.Unmarshal(data, &cached); err != nil {
		return false
	}
	for k, vals := range cached.Headers {
		w.Header()[k] = vals
	}
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}

// idempotencyStoreKey scopes the client key to the route and hashes it into
// the character set KV keys allow.
func idempotencyStoreKey(r *http.Request, key string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + "\n" + key))
	return "idem." + hex.EncodeToString(sum[:])
}

// responseRecorder tees the response body into a buffer.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
