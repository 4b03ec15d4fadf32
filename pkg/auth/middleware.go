package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentgate/agentgate/pkg/store"
)

// Authenticator resolves request credentials into a Principal. Agents
// present API keys ("agk_" prefixed, Bearer or X-Api-Key); dashboard
// users present session JWTs. The bootstrap admin key from config works
// before any key rows exist.
type Authenticator struct {
	keys        *store.APIKeyStore
	sessions    *Sessions
	adminAPIKey string
	adminEmails map[string]bool
}

func NewAuthenticator(keys *store.APIKeyStore, sessions *Sessions, adminAPIKey string, adminEmails []string) *Authenticator {
	emails := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		emails[strings.ToLower(strings.TrimSpace(e))] = true
	}
	return &Authenticator{
		keys:        keys,
		sessions:    sessions,
		adminAPIKey: adminAPIKey,
		adminEmails: emails,
	}
}

// Middleware rejects requests without a valid credential. Routes that
// are public simply go unwrapped.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeUnauthorized(w, r, "missing credentials")
			return
		}

		p, err := a.Resolve(r, token)
		if err != nil {
			writeUnauthorized(w, r, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Resolve authenticates a presented token.
func (a *Authenticator) Resolve(r *http.Request, token string) (*Principal, error) {
	if a.adminAPIKey != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.adminAPIKey)) == 1 {
		return &Principal{ID: "admin", Admin: true, Method: "bootstrap"}, nil
	}

	if strings.HasPrefix(token, "agk_") {
		key, err := a.keys.Verify(r.Context(), token)
		if err != nil {
			return nil, err
		}
		return &Principal{ID: key.ID, Admin: key.Admin, Method: "api_key"}, nil
	}

	if a.sessions == nil {
		return nil, ErrSessionInvalid
	}
	userID, email, err := a.sessions.Validate(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return &Principal{
		ID:     userID,
		Email:  email,
		Admin:  a.adminEmails[strings.ToLower(email)],
		Method: "session",
	}, nil
}

// RequireAdmin gates admin-only routes; it assumes Middleware ran first.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := GetPrincipal(r.Context())
		if err != nil || !p.Admin {
			writeJSONError(w, r, http.StatusForbidden, "FORBIDDEN", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.Header.Get("X-Api-Key")
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSONError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", msg)
}

// writeJSONError mirrors the api package's error shape without importing
// it; api depends on auth for principals.
func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     http.StatusText(status),
		"message":   msg,
		"code":      code,
		"requestId": GetRequestID(r.Context()),
	})
}
