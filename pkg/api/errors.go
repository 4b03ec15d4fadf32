// Package api serves the gateway's HTTP surface: the AGP verbs, the
// credential and adapter management routes, and the dashboard auth flow.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agentgate/agentgate/pkg/adapter"
	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/gateway"
	"github.com/agentgate/agentgate/pkg/jobs"
	"github.com/agentgate/agentgate/pkg/registry"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"requestId"`
	Details   any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     http.StatusText(status),
		Message:   msg,
		Code:      code,
		RequestID: auth.GetRequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps domain sentinels onto the HTTP taxonomy.
// Unknown errors become 500 with the cause logged, never exposed.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	// Verb-path resolution failures are request errors: the caller named
	// a business or platform that does not resolve.
	case errors.Is(err, gateway.ErrBusinessNotFound):
		writeError(w, r, http.StatusBadRequest, "BUSINESS_NOT_FOUND", err.Error())
	case errors.Is(err, gateway.ErrAdapterNotFound):
		writeError(w, r, http.StatusBadRequest, "ADAPTER_NOT_FOUND", err.Error())
	case errors.Is(err, registry.ErrEntryNotFound):
		writeError(w, r, http.StatusNotFound, "ADAPTER_NOT_FOUND", err.Error())
	case errors.Is(err, gateway.ErrAdapterTimeout):
		writeError(w, r, http.StatusGatewayTimeout, "ADAPTER_TIMEOUT", "Adapter execution timed out")
	case errors.Is(err, gateway.ErrConfirmationRequired):
		writeError(w, r, http.StatusForbidden, "CONFIRMATION_REQUIRED", "execute requires a confirmation token")
	case errors.Is(err, gateway.ErrConfirmationInvalid):
		writeError(w, r, http.StatusForbidden, "CONFIRMATION_INVALID", "confirmation token rejected")
	case errors.Is(err, adapter.ErrUnsupportedVerb):
		writeError(w, r, http.StatusBadRequest, "UNSUPPORTED_VERB", err.Error())
	case errors.Is(err, adapter.ErrDomainNotAllowed):
		writeError(w, r, http.StatusBadGateway, "DOMAIN_NOT_ALLOWED", err.Error())
	case errors.Is(err, adapter.ErrInvalidDescriptor):
		writeError(w, r, http.StatusBadRequest, "INVALID_DESCRIPTOR", err.Error())
	case errors.Is(err, vault.ErrCredentialNotFound):
		writeError(w, r, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", err.Error())
	case errors.Is(err, registry.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, registry.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, registry.ErrNoSource):
		writeError(w, r, http.StatusBadRequest, "NO_SOURCE", err.Error())
	case errors.Is(err, store.ErrTransactionNotFound):
		writeError(w, r, http.StatusNotFound, "TRANSACTION_NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrBusinessNotFound):
		writeError(w, r, http.StatusNotFound, "BUSINESS_NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrAdapterNotFound):
		writeError(w, r, http.StatusNotFound, "ADAPTER_NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, "JOB_NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrAPIKeyInvalid):
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "api key rejected")
	case errors.Is(err, store.ErrOAuthStateInvalid):
		writeError(w, r, http.StatusBadRequest, "OAUTH_STATE_INVALID", "state expired or already used")
	case errors.Is(err, jobs.ErrDailyLimitReached):
		writeError(w, r, http.StatusTooManyRequests, "GENERATION_LIMIT", err.Error())
	default:
		var opErr *gateway.OperationError
		if errors.As(err, &opErr) {
			writeError(w, r, http.StatusBadGateway, "ADAPTER_ERROR", opErr.Error())
			return
		}
		slog.Error("internal error", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "An unexpected error occurred")
	}
}

// decodeBody reads a JSON body into dst with a 1 MiB cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return false
	}
	return true
}
