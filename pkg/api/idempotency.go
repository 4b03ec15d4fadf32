package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/store"
)

// responseCapture records the response for idempotent replay.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// idempotent replays cached responses for repeated Idempotency-Key
// values from the same principal. Only 2xx responses are cached, so a
// failed execute can be retried with the same key.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || s.Idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal := auth.OwnerKey(r.Context())

		cached, err := s.Idempotency.Lookup(r.Context(), principal, key)
		if err != nil {
			s.Logger.Warn("idempotency lookup failed", "error", err)
		}
		if cached != nil {
			for k, vals := range cached.Header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(capture, r)

		if capture.statusCode >= 200 && capture.statusCode < 300 {
			entry := &store.IdempotencyEntry{
				Status:    capture.statusCode,
				Header:    w.Header().Clone(),
				Body:      capture.body.Bytes(),
				CreatedAt: time.Now(),
			}
			if err := s.Idempotency.Put(r.Context(), principal, key, entry); err != nil {
				s.Logger.Warn("idempotency put failed", "error", err)
			}
		}
	})
}
