package api

import (
	"net/http"

	"github.com/agentgate/agentgate/pkg/auth"
)

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.APIKeys.List(r.Context(), auth.OwnerKey(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleCreateKey mints an API key. The plaintext appears once in this
// response and is never retrievable again.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Admin bool   `json:"admin,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_FIELDS", "name is required")
		return
	}

	p, _ := auth.GetPrincipal(r.Context())
	if req.Admin && !p.Admin {
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "only admins mint admin keys")
		return
	}

	key, plaintext, err := s.APIKeys.Create(r.Context(), p.OwnerKey(), req.Name, req.Admin)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "plaintext": plaintext})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.APIKeys.Revoke(r.Context(), r.PathValue("id"), auth.OwnerKey(r.Context())); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
