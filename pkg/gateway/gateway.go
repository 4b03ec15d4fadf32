// Package gateway executes the AGP verbs: it resolves the business and
// adapter, builds the execution context with credential resolution, runs
// the verb under a timeout, and records the transaction.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/pkg/adapter"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/oauth"
	"github.com/agentgate/agentgate/pkg/registry"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"
)

// DefaultOwnerKey is the bootstrap admin principal.
const DefaultOwnerKey = "admin"

// timeoutMessage is the error string recorded on a timed-out transaction.
const timeoutMessage = "Adapter execution timed out"

// errTruncate caps adapter error strings stored and surfaced.
const errTruncate = 500

var (
	ErrBusinessNotFound = errors.New("gateway: business not found")
	ErrAdapterNotFound  = errors.New("gateway: adapter not found")
	ErrAdapterTimeout   = errors.New("gateway: " + timeoutMessage)
)

// OperationError wraps an adapter failure for the 502 surface.
type OperationError struct {
	Verb     string
	Platform string
	Err      error
}

func (e *OperationError) Error() string {
	return truncate(fmt.Sprintf("adapter %s %s: %v", e.Platform, e.Verb, e.Err), errTruncate)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Result is the success envelope for a verb invocation.
type Result struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Data          any    `json:"data"`
}

// Service wires the verb pipeline together.
type Service struct {
	registry     *registry.Registry
	vault        *vault.Vault
	oauth        *oauth.Service
	auditor      *audit.Logger
	transactions *store.TransactionStore
	businesses   *store.BusinessStore
	profiles     *store.ProfileStore
	client       *http.Client
	timeout      time.Duration
	logger       *slog.Logger
}

func NewService(
	reg *registry.Registry,
	v *vault.Vault,
	oa *oauth.Service,
	auditor *audit.Logger,
	transactions *store.TransactionStore,
	businesses *store.BusinessStore,
	profiles *store.ProfileStore,
	client *http.Client,
	timeout time.Duration,
	logger *slog.Logger,
) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:     reg,
		vault:        v,
		oauth:        oa,
		auditor:      auditor,
		transactions: transactions,
		businesses:   businesses,
		profiles:     profiles,
		client:       client,
		timeout:      timeout,
		logger:       logger,
	}
}

func (s *Service) Discover(ctx context.Context, ownerKey, businessID string, input map[string]any) (*Result, error) {
	return s.invoke(ctx, "discover", ownerKey, businessID, input)
}

func (s *Service) Query(ctx context.Context, ownerKey, businessID string, input map[string]any) (*Result, error) {
	return s.invoke(ctx, "query", ownerKey, businessID, input)
}

func (s *Service) Execute(ctx context.Context, ownerKey, businessID string, input map[string]any) (*Result, error) {
	return s.invoke(ctx, "execute", ownerKey, businessID, input)
}

// Status returns the transaction when owned by the caller; admins see
// every transaction.
func (s *Service) Status(ctx context.Context, id, ownerKey string, admin bool) (*store.Transaction, error) {
	scope := ownerKey
	if admin {
		scope = ""
	}
	return s.transactions.Get(ctx, id, scope)
}

func (s *Service) invoke(ctx context.Context, verb, ownerKey, businessID string, input map[string]any) (*Result, error) {
	if ownerKey == "" {
		ownerKey = DefaultOwnerKey
	}

	rawInput, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode input: %w", err)
	}
	tx, err := s.transactions.CreatePending(ctx, verb, businessID, rawInput, ownerKey)
	if err != nil {
		return nil, err
	}

	data, invokeErr := s.run(ctx, verb, ownerKey, businessID, input)
	if invokeErr != nil {
		s.failTx(ctx, tx.ID, invokeErr)
		return nil, invokeErr
	}

	result, err := json.Marshal(data)
	if err != nil {
		wrapped := fmt.Errorf("gateway: encode result: %w", err)
		s.failTx(ctx, tx.ID, wrapped)
		return nil, wrapped
	}
	if err := s.transactions.MarkSucceeded(ctx, tx.ID, result); err != nil {
		s.logger.Warn("transaction update failed", "transaction", tx.ID, "error", err)
	}
	return &Result{TransactionID: tx.ID, Status: store.TxSucceeded, Data: data}, nil
}

func (s *Service) failTx(ctx context.Context, txID string, cause error) {
	msg := truncate(errorMessage(cause), errTruncate)
	if err := s.transactions.MarkFailed(ctx, txID, msg); err != nil {
		s.logger.Warn("transaction update failed", "transaction", txID, "error", err)
	}
}

// errorMessage maps the timeout sentinel to its recorded string.
func errorMessage(err error) string {
	if errors.Is(err, ErrAdapterTimeout) {
		return timeoutMessage
	}
	return err.Error()
}

func (s *Service) run(ctx context.Context, verb, ownerKey, businessID string, input map[string]any) (any, error) {
	platform, err := s.resolvePlatform(ctx, businessID)
	if err != nil {
		return nil, err
	}

	entry, err := s.registry.Resolve(platform, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, platform)
	}

	m := entry.Manifest
	if m.Platform == "" {
		m = manifest.None(platform)
	}

	execID := businessID + ":" + verb
	resolver := s.credentialResolver(ownerKey, platform, execID, m)

	base, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	actx := adapter.NewContext(base, platform, ownerKey, execID, m, resolver, s.client)
	runner := adapter.NewRunner(entry.Descriptor, actx)

	return s.race(ctx, base, verb, platform, runner, input)
}

// resolvePlatform walks the business resolution chain: active business
// row, then interaction profile, then the registry itself for ephemeral
// adapters addressed by platform name.
func (s *Service) resolvePlatform(ctx context.Context, businessID string) (string, error) {
	if b, err := s.businesses.GetActive(ctx, businessID); err == nil {
		return b.Platform, nil
	} else if !errors.Is(err, store.ErrBusinessNotFound) {
		return "", err
	}

	if p, err := s.profiles.Get(ctx, businessID); err == nil {
		return p.Platform, nil
	} else if !errors.Is(err, store.ErrProfileNotFound) {
		return "", err
	}

	if _, err := s.registry.Resolve(businessID, ""); err == nil {
		return businessID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrBusinessNotFound, businessID)
}

// credentialResolver builds the closure the adapter context resolves
// credentials through: proactive refresh, vault retrieval, not-found
// mapped to nil. Every successful retrieval lands in the audit chain.
func (s *Service) credentialResolver(ownerKey, platform, execID string, m manifest.Manifest) adapter.CredentialResolver {
	return func(ctx context.Context, force bool) (*vault.Payload, error) {
		if s.oauth != nil && m.OAuth != nil {
			s.oauth.RefreshIfNeeded(ctx, ownerKey, platform, m.OAuth, force)
		}
		cred, err := s.vault.RetrieveCredential(ctx, ownerKey, platform)
		if err != nil {
			if errors.Is(err, vault.ErrCredentialNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if s.auditor != nil {
			s.auditor.Log(ctx, audit.Entry{
				UserID:      ownerKey,
				ServiceID:   platform,
				Action:      audit.ActionCredentialRetrieved,
				ExecutionID: execID,
			})
		}
		return cred, nil
	}
}

// race invokes the verb and loses to the deadline: a verb that outlives
// the timeout yields ErrAdapterTimeout even if the adapter ignores
// cancellation.
func (s *Service) race(ctx, deadline context.Context, verb, platform string, a adapter.Adapter, input map[string]any) (any, error) {
	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := invokeVerb(deadline, a, verb, input)
		done <- outcome{data, err}
	}()

	select {
	case <-deadline.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrAdapterTimeout
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, ErrAdapterTimeout
			}
			return nil, &OperationError{Verb: verb, Platform: platform, Err: out.err}
		}
		return out.data, nil
	}
}

func invokeVerb(ctx context.Context, a adapter.Adapter, verb string, input map[string]any) (any, error) {
	switch verb {
	case "discover":
		return a.Discover(ctx, input)
	case "query":
		return a.Query(ctx, input)
	case "execute":
		return a.Execute(ctx, input)
	default:
		return nil, fmt.Errorf("%w: %s", adapter.ErrUnsupportedVerb, verb)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
