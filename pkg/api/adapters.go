package api

import (
	"io"
	"net/http"

	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/store"
)

// handleListAdapters shows public adapters plus the caller's own; admins
// can filter any status with ?status=.
func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal")
		return
	}

	status := r.URL.Query().Get("status")
	owner := p.OwnerKey()
	if p.Admin {
		owner = r.URL.Query().Get("owner")
	}

	var list []*store.AdapterRecord
	if p.Admin {
		list, err = s.Adapters.List(r.Context(), status, owner)
	} else if status == "" || status == store.AdapterPublic {
		list, err = s.Adapters.List(r.Context(), store.AdapterPublic, "")
		if err == nil {
			var own []*store.AdapterRecord
			own, err = s.Adapters.List(r.Context(), "", owner)
			list = append(list, own...)
		}
	} else {
		list, err = s.Adapters.List(r.Context(), status, owner)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": list})
}

// handleUploadAdapter installs a descriptor into the caller's sandbox.
func (s *Server) handleUploadAdapter(w http.ResponseWriter, r *http.Request) {
	source, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BODY_TOO_LARGE", "descriptor exceeds 1 MiB")
		return
	}
	rec, err := s.Registry.UploadSandbox(r.Context(), auth.OwnerKey(r.Context()), source)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleSubmitAdapter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message,omitempty"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.Registry.Submit(r.Context(), r.PathValue("id"), auth.OwnerKey(r.Context()), req.Message)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWithdrawAdapter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Registry.Withdraw(r.Context(), r.PathValue("id"), auth.OwnerKey(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePromoteAdapter(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	adminID := p.Email
	if adminID == "" {
		adminID = p.ID
	}
	rec, err := s.Registry.Promote(r.Context(), r.PathValue("id"), adminID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRejectAdapter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feedback string `json:"feedback"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p, _ := auth.GetPrincipal(r.Context())
	rec, err := s.Registry.Reject(r.Context(), r.PathValue("id"), req.Feedback, p.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDemoteAdapter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Registry.Demote(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleArchiveAdapter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Registry.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRestoreAdapter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Registry.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteAdapter(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.DeleteSandbox(r.Context(), r.PathValue("id"), auth.OwnerKey(r.Context())); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateJob enqueues an adapter generation job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform string `json:"platform"`
		DocsURL  string `json:"docsUrl,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Platform == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_FIELDS", "platform is required")
		return
	}
	job, err := s.Worker.Enqueue(r.Context(), req.Platform, req.DocsURL, auth.OwnerKey(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	page := store.JobPage{
		Status:     r.URL.Query().Get("status"),
		OwnerKeyID: p.OwnerKey(),
	}
	if p.Admin {
		page.OwnerKeyID = r.URL.Query().Get("owner")
	}
	list, err := s.Jobs.List(r.Context(), page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	p, _ := auth.GetPrincipal(r.Context())
	if !p.Admin && job.OwnerKeyID != p.OwnerKey() {
		writeError(w, r, http.StatusNotFound, "JOB_NOT_FOUND", "generation job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
