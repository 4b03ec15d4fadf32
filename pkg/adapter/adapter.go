// Package adapter defines the contract between the gateway and
// platform-specific adapters, and the per-request execution context those
// adapters use for outbound HTTP and credential access.
//
// Adapters come in two forms: compiled (bundled with the binary) and
// descriptor-driven (a declarative JSON document interpreted by Runner).
// Both implement the same three-verb interface.
package adapter

import (
	"context"
	"errors"
)

// Adapter implements the three AGP verbs against one third-party platform.
type Adapter interface {
	Discover(ctx context.Context, input map[string]any) (any, error)
	Query(ctx context.Context, input map[string]any) (any, error)
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Verbs enumerates the AGP operations.
var Verbs = []string{"discover", "query", "execute"}

var (
	ErrInvalidURL        = errors.New("adapter: invalid url")
	ErrDomainNotAllowed  = errors.New("adapter: domain not allowed")
	ErrCredentialMissing = errors.New("adapter: required credential field missing")
	ErrUnsupportedVerb   = errors.New("adapter: unsupported operation")
)
