package api

import (
	"net/http"
	"strconv"

	"github.com/agentgate/agentgate/pkg/auth"
)

// handleAuditVerify walks the hash chain from genesis and reports
// whether any entry was tampered with.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	n, err := s.Auditor.VerifyChain(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "entries": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "entries": n})
}

// handleAuditList returns the caller's recent audit entries; admins may
// inspect another user with ?user=.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal")
		return
	}
	user := p.OwnerKey()
	if p.Admin {
		if u := r.URL.Query().Get("user"); u != "" {
			user = u
		}
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.Auditor.List(r.Context(), user, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
