package api

import (
	"net/http"

	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/vault"
)

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.Vault.ListConnections(r.Context(), auth.OwnerKey(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

// handleStoreCredential stores a manually supplied credential, for
// services without an OAuth connect flow.
func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Service  string         `json:"service"`
		AuthType vault.AuthType `json:"authType"`
		Payload  vault.Payload  `json:"payload"`
		Scopes   []string       `json:"scopes,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Service == "" || req.AuthType == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_FIELDS", "service and authType are required")
		return
	}
	owner := auth.OwnerKey(r.Context())
	if err := s.Vault.StoreCredential(r.Context(), owner, req.Service, req.AuthType, req.Payload, req.Scopes); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"service": req.Service, "status": "connected"})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerKey(r.Context())
	if err := s.Vault.DeleteCredential(r.Context(), owner, r.PathValue("service")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetAppCredential stores the gateway's own OAuth app credential
// for a provider. Admin only; the secret never leaves the vault again.
func (s *Server) handleSetAppCredential(w http.ResponseWriter, r *http.Request) {
	var req vault.AppCredential
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_FIELDS", "client_id and client_secret are required")
		return
	}
	service := r.PathValue("service")
	if err := s.Vault.SetAppCredential(r.Context(), service, req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": service, "status": "configured"})
}

func (s *Server) handleDeleteAppCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.Vault.DeleteAppCredential(r.Context(), r.PathValue("service")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListConnectable lists the adapters a user can run an OAuth
// connect flow against.
func (s *Server) handleListConnectable(w http.ResponseWriter, r *http.Request) {
	type connectable struct {
		Service string   `json:"service"`
		Scopes  []string `json:"scopes,omitempty"`
	}
	var out []connectable
	for _, m := range s.Registry.ListOAuthAdapters() {
		out = append(out, connectable{Service: m.Platform, Scopes: m.Scopes})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

// handleConnectStart redirects the user to the provider's authorize URL
// with a single-use state token.
func (s *Server) handleConnectStart(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	m, ok := s.Registry.GetOAuthAdapter(service)
	if !ok {
		writeError(w, r, http.StatusNotFound, "ADAPTER_NOT_FOUND", "no oauth adapter for "+service)
		return
	}

	app, err := s.Vault.GetAppCredential(r.Context(), service)
	if err != nil {
		writeError(w, r, http.StatusConflict, "APP_CREDENTIAL_MISSING",
			"gateway has no app credential for "+service)
		return
	}

	owner := auth.OwnerKey(r.Context())
	state, err := s.OAuthState.Issue(r.Context(), owner, service)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	target, err := s.OAuth.AuthorizeURL(m, app.ClientID, s.callbackURL(service), state)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleConnectCallback trades the provider code for tokens and stores
// them for the user bound to the state.
func (s *Server) handleConnectCallback(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_FIELDS", "code and state are required")
		return
	}

	userID, boundService, err := s.OAuthState.Consume(r.Context(), state)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if boundService != service {
		writeError(w, r, http.StatusBadRequest, "OAUTH_STATE_INVALID", "state bound to a different service")
		return
	}

	m, ok := s.Registry.GetOAuthAdapter(service)
	if !ok {
		writeError(w, r, http.StatusNotFound, "ADAPTER_NOT_FOUND", "no oauth adapter for "+service)
		return
	}
	if err := s.OAuth.Exchange(r.Context(), userID, m, code, s.callbackURL(service)); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": service, "status": "connected"})
}

func (s *Server) callbackURL(service string) string {
	base := s.Config.PublicBaseURL
	if base == "" {
		base = "http://localhost:" + s.Config.Port
	}
	return base + "/connect/" + service + "/callback"
}
