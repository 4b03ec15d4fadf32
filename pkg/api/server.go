package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/config"
	"github.com/agentgate/agentgate/pkg/gateway"
	"github.com/agentgate/agentgate/pkg/jobs"
	"github.com/agentgate/agentgate/pkg/oauth"
	"github.com/agentgate/agentgate/pkg/registry"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"
)

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Config   *config.Config
	Version  string
	DB       *sqlx.DB
	Gateway  *gateway.Service
	Gate     *gateway.PolicyGate
	Registry *registry.Registry
	Vault    *vault.Vault
	OAuth    *oauth.Service
	Auditor  *audit.Logger
	Worker   *jobs.Worker

	Adapters    *store.AdapterStore
	Businesses  *store.BusinessStore
	Jobs        *store.JobStore
	APIKeys     *store.APIKeyStore
	Users       *store.UserStore
	OAuthState  *store.OAuthStateStore
	Idempotency store.IdempotencyStore

	Auth     *auth.Authenticator
	Sessions *auth.Sessions
	Limiter  *auth.RateLimiter
	Logger   *slog.Logger

	// HTTP is the outbound client for login providers. Nil means
	// http.DefaultClient.
	HTTP *http.Client
}

// Server is the HTTP surface.
type Server struct {
	Deps

	providers map[string]*loginProvider
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Server{Deps: d}
}

// Routes builds the full handler tree. Authentication wraps everything
// except health and the auth entry points; the AGP execute route
// additionally passes through the idempotency cache.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Dashboard auth entry points are public by nature.
	mux.HandleFunc("GET /auth/{provider}/login", s.handleAuthLogin)
	mux.HandleFunc("GET /auth/{provider}/callback", s.handleAuthCallback)

	authed := func(h http.HandlerFunc) http.Handler {
		return s.Auth.Middleware(s.Limiter.Middleware(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return s.Auth.Middleware(s.Limiter.Middleware(auth.RequireAdmin(h)))
	}

	// AGP verbs.
	mux.Handle("POST /agp/discover", authed(s.handleDiscover))
	mux.Handle("POST /agp/query", authed(s.handleQuery))
	mux.Handle("POST /agp/execute", s.Auth.Middleware(s.Limiter.Middleware(
		s.idempotent(http.HandlerFunc(s.handleExecute)))))
	mux.Handle("POST /agp/execute/prepare", authed(s.handlePrepareExecute))
	mux.Handle("GET /agp/status/{id}", authed(s.handleStatus))
	mux.Handle("GET /agp/businesses", authed(s.handlePublicBusinesses))

	// Credential vault.
	mux.Handle("GET /credentials", authed(s.handleListConnections))
	mux.Handle("POST /credentials", authed(s.handleStoreCredential))
	mux.Handle("DELETE /credentials/{service}", authed(s.handleDeleteCredential))
	mux.Handle("PUT /app-credentials/{service}", admin(s.handleSetAppCredential))
	mux.Handle("DELETE /app-credentials/{service}", admin(s.handleDeleteAppCredential))

	// Provider connect flow.
	mux.Handle("GET /connect", authed(s.handleListConnectable))
	mux.Handle("GET /connect/{service}", authed(s.handleConnectStart))
	mux.Handle("GET /connect/{service}/callback", authed(s.handleConnectCallback))

	// Businesses.
	mux.Handle("GET /businesses", authed(s.handleListBusinesses))
	mux.Handle("POST /businesses", authed(s.handleCreateBusiness))
	mux.Handle("GET /businesses/{id}", authed(s.handleGetBusiness))
	mux.Handle("PUT /businesses/{id}", authed(s.handleUpdateBusiness))
	mux.Handle("DELETE /businesses/{id}", authed(s.handleDeleteBusiness))

	// Adapter lifecycle.
	mux.Handle("GET /adapters", authed(s.handleListAdapters))
	mux.Handle("POST /adapters", authed(s.handleUploadAdapter))
	mux.Handle("POST /adapters/{id}/submit", authed(s.handleSubmitAdapter))
	mux.Handle("POST /adapters/{id}/withdraw", authed(s.handleWithdrawAdapter))
	mux.Handle("POST /adapters/{id}/promote", admin(s.handlePromoteAdapter))
	mux.Handle("POST /adapters/{id}/reject", admin(s.handleRejectAdapter))
	mux.Handle("POST /adapters/{id}/demote", admin(s.handleDemoteAdapter))
	mux.Handle("POST /adapters/{id}/archive", admin(s.handleArchiveAdapter))
	mux.Handle("POST /adapters/{id}/restore", admin(s.handleRestoreAdapter))
	mux.Handle("DELETE /adapters/{id}", authed(s.handleDeleteAdapter))

	// Generation jobs.
	mux.Handle("POST /adapters/jobs", authed(s.handleCreateJob))
	mux.Handle("GET /adapters/jobs", authed(s.handleListJobs))
	mux.Handle("GET /adapters/jobs/{id}", authed(s.handleGetJob))

	// API keys.
	mux.Handle("GET /keys", authed(s.handleListKeys))
	mux.Handle("POST /keys", authed(s.handleCreateKey))
	mux.Handle("DELETE /keys/{id}", authed(s.handleRevokeKey))

	// Session management.
	mux.Handle("GET /auth/me", authed(s.handleMe))
	mux.Handle("POST /auth/logout", authed(s.handleLogout))

	// Audit.
	mux.Handle("GET /audit/verify", admin(s.handleAuditVerify))
	mux.Handle("GET /audit", authed(s.handleAuditList))

	// Operations.
	mux.Handle("POST /admin/db/checkpoint", admin(s.handleCheckpoint))

	var h http.Handler = mux
	h = auth.CORSMiddleware(s.Config.CORSOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"version":     s.Version,
		"environment": s.Config.Environment,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCheckpoint flushes the SQLite WAL ahead of a file-level backup.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeError(w, r, http.StatusServiceUnavailable, "CHECKPOINT_UNAVAILABLE", "no database handle")
		return
	}
	if err := store.Checkpoint(r.Context(), s.DB); err != nil {
		s.Logger.Error("wal checkpoint failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "checkpoint failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
