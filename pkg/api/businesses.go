package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/store"
)

type businessRequest struct {
	Name        string          `json:"name"`
	Platform    string          `json:"platform"`
	Location    string          `json:"location,omitempty"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

func (s *Server) handleListBusinesses(w http.ResponseWriter, r *http.Request) {
	list, err := s.Businesses.ListOwned(r.Context(), auth.OwnerKey(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"businesses": list})
}

func (s *Server) handleCreateBusiness(w http.ResponseWriter, r *http.Request) {
	var req businessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Platform == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_FIELDS", "name and platform are required")
		return
	}
	b, err := s.Businesses.Create(r.Context(), &store.Business{
		OwnerID:     auth.OwnerKey(r.Context()),
		Name:        req.Name,
		Platform:    req.Platform,
		Location:    req.Location,
		Description: req.Description,
		Category:    req.Category,
		Preferences: req.Preferences,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBusiness(w http.ResponseWriter, r *http.Request) {
	b, err := s.Businesses.Get(r.Context(), r.PathValue("id"), auth.OwnerKey(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUpdateBusiness(w http.ResponseWriter, r *http.Request) {
	var req businessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner := auth.OwnerKey(r.Context())
	id := r.PathValue("id")

	b, err := s.Businesses.Get(r.Context(), id, owner)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.Name != "" {
		b.Name = req.Name
	}
	if req.Platform != "" {
		b.Platform = req.Platform
	}
	if req.Location != "" {
		b.Location = req.Location
	}
	if req.Description != "" {
		b.Description = req.Description
	}
	if req.Category != "" {
		b.Category = req.Category
	}
	if req.Preferences != nil {
		b.Preferences = req.Preferences
	}
	if err := s.Businesses.Update(r.Context(), b); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBusiness(w http.ResponseWriter, r *http.Request) {
	if err := s.Businesses.Delete(r.Context(), r.PathValue("id"), auth.OwnerKey(r.Context())); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
