package api

import (
	"net/http"

	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/config"
)

// verbRequest is the body of every AGP verb call.
type verbRequest struct {
	BusinessID        string         `json:"businessId"`
	Input             map[string]any `json:"input"`
	ConfirmationToken string         `json:"confirmationToken,omitempty"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	s.handleVerb(w, r, "discover")
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.handleVerb(w, r, "query")
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.handleVerb(w, r, "execute")
}

func (s *Server) handleVerb(w http.ResponseWriter, r *http.Request, verb string) {
	var req verbRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BusinessID == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_BUSINESS", "businessId is required")
		return
	}
	owner := auth.OwnerKey(r.Context())

	if verb == "execute" && s.Gate != nil && s.Gate.Mode() != config.PolicyOff {
		if err := s.Gate.Check(owner, req.BusinessID, req.Input, req.ConfirmationToken); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}

	var invoke func() (any, error)
	switch verb {
	case "discover":
		invoke = func() (any, error) { return s.Gateway.Discover(r.Context(), owner, req.BusinessID, req.Input) }
	case "query":
		invoke = func() (any, error) { return s.Gateway.Query(r.Context(), owner, req.BusinessID, req.Input) }
	default:
		invoke = func() (any, error) { return s.Gateway.Execute(r.Context(), owner, req.BusinessID, req.Input) }
	}

	result, err := invoke()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePrepareExecute(w http.ResponseWriter, r *http.Request) {
	var req verbRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BusinessID == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_BUSINESS", "businessId is required")
		return
	}
	prep, err := s.Gate.Prepare(auth.OwnerKey(r.Context()), req.BusinessID, req.Input)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prep)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal")
		return
	}
	tx, err := s.Gateway.Status(r.Context(), r.PathValue("id"), p.OwnerKey(), p.Admin)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// handlePublicBusinesses lists active businesses for agent discovery.
func (s *Server) handlePublicBusinesses(w http.ResponseWriter, r *http.Request) {
	list, err := s.Businesses.ListPublic(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"businesses": list})
}
