package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/vault"
)

// CredentialResolver loads the caller's credential for the adapter's
// platform. force requests an upstream token refresh before retrieval.
// A nil payload with nil error means no credential is stored.
type CredentialResolver func(ctx context.Context, force bool) (*vault.Payload, error)

// Context is the per-request object adapters use for HTTP and credential
// access. It enforces the manifest's domain allow-list, injects auth
// headers per strategy, and retries once on 401 with a forced refresh.
type Context struct {
	Platform    string
	UserID      string
	ExecutionID string
	Manifest    manifest.Manifest

	base     context.Context // request-scoped, deadline-bound
	client   *http.Client
	resolver CredentialResolver

	credMu    sync.Mutex
	cred      *vault.Payload
	credSet   bool
	forceNext bool
}

// NewContext builds an execution context. base carries the per-request
// deadline; client defaults to a 30-second http.Client when nil.
func NewContext(base context.Context, platform, userID, executionID string, m manifest.Manifest, resolver CredentialResolver, client *http.Client) *Context {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if resolver == nil {
		resolver = func(context.Context, bool) (*vault.Payload, error) { return nil, nil }
	}
	return &Context{
		Platform:    platform,
		UserID:      userID,
		ExecutionID: executionID,
		Manifest:    m,
		base:        base,
		client:      client,
		resolver:    resolver,
	}
}

// GetCredential resolves the caller's credential lazily and caches the
// result for the lifetime of the context; concurrent callers share one
// resolve. force evicts the cache and requests an upstream refresh.
func (c *Context) GetCredential(ctx context.Context, force bool) (*vault.Payload, error) {
	c.credMu.Lock()
	defer c.credMu.Unlock()

	if force {
		c.credSet = false
		c.forceNext = true
	}
	if c.credSet {
		return c.cred, nil
	}

	f := c.forceNext
	c.forceNext = false
	cred, err := c.resolver(ctx, f)
	if err != nil {
		// Errors are not cached; the next call re-resolves.
		return nil, err
	}
	c.cred = cred
	c.credSet = true
	return cred, nil
}

// invalidateCredential evicts the cache and forces a refresh on the next
// resolve. Used by the 401 retry path.
func (c *Context) invalidateCredential() {
	c.credMu.Lock()
	c.credSet = false
	c.cred = nil
	c.forceNext = true
	c.credMu.Unlock()
}

// Request describes one outbound call. Body is a byte slice so the 401
// retry can replay it.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// hostClass is the outcome of domain classification.
type hostClass int

const (
	hostDenied hostClass = iota
	hostAuthenticated
	hostAllowedUnauthenticated
)

func (c *Context) classify(hostname string) hostClass {
	switch {
	case manifest.MatchesDomain(hostname, c.Manifest.AuthenticatedDomains):
		return hostAuthenticated
	case manifest.MatchesDomain(hostname, c.Manifest.AllowedDomains):
		return hostAllowedUnauthenticated
	default:
		return hostDenied
	}
}

// Fetch performs an outbound HTTP request on the adapter's behalf.
//
// The hostname is classified before any credential work: requests to hosts
// outside both domain lists fail with ErrDomainNotAllowed and never touch
// the resolver. Cancellation of either the caller's ctx or the context's
// request deadline aborts the call.
func (c *Context) Fetch(ctx context.Context, req Request) (*http.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, req.URL)
	}

	class := c.classify(u.Hostname())
	if class == hostDenied {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, u.Hostname())
	}

	header := cloneHeader(req.Header)
	if class == hostAuthenticated {
		if err := c.injectAuthHeaders(ctx, header); err != nil {
			return nil, err
		}
	}

	merged, cancel := mergeContexts(ctx, c.base)
	defer cancel()

	resp, err := c.do(merged, req, header)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized &&
		class == hostAuthenticated &&
		c.Manifest.Auth.Strategy.RetriesOn401() {
		c.invalidateCredential()

		retryHeader := cloneHeader(req.Header)
		if err := c.injectAuthHeaders(ctx, retryHeader); err != nil {
			// Retry could not be prepared; the original 401 stands.
			return resp, nil
		}
		retryResp, err := c.do(merged, req, retryHeader)
		if err != nil {
			return resp, nil
		}
		_ = resp.Body.Close()
		// The retry response is returned whatever its status.
		return retryResp, nil
	}

	return resp, nil
}

func (c *Context) do(ctx context.Context, req Request, header http.Header) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body *bytes.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	httpReq.Header = header
	return c.client.Do(httpReq)
}

// injectAuthHeaders resolves the credential and writes headers per the
// manifest strategy. A missing required field fails the request.
func (c *Context) injectAuthHeaders(ctx context.Context, h http.Header) error {
	strategy := c.Manifest.Auth.Strategy
	if strategy == manifest.StrategyNone || strategy == manifest.StrategyClientCredentials {
		return nil
	}

	cred, err := c.GetCredential(ctx, false)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("%w: no credential stored for %s", ErrCredentialMissing, c.Platform)
	}

	switch strategy {
	case manifest.StrategyBearer:
		if cred.AccessToken == "" {
			return fmt.Errorf("%w: access_token", ErrCredentialMissing)
		}
		h.Set("Authorization", "Bearer "+cred.AccessToken)

	case manifest.StrategyAPIKeyHeader:
		if cred.APIKey == "" {
			return fmt.Errorf("%w: api_key", ErrCredentialMissing)
		}
		name := c.Manifest.Auth.HeaderName
		if name == "" {
			name = "X-Api-Key"
		}
		h.Set(name, cred.APIKey)

	case manifest.StrategyBasic:
		if cred.Username == "" || cred.Password == "" {
			return fmt.Errorf("%w: username/password", ErrCredentialMissing)
		}
		token := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
		h.Set("Authorization", "Basic "+token)

	case manifest.StrategyCookie:
		name := cred.CookieName
		if name == "" {
			name = c.Manifest.Auth.CookieName
		}
		if name == "" || cred.CookieValue == "" {
			return fmt.Errorf("%w: cookie_name/cookie_value", ErrCredentialMissing)
		}
		pair := name + "=" + cred.CookieValue
		if existing := h.Get("Cookie"); existing != "" {
			h.Set("Cookie", existing+"; "+pair)
		} else {
			h.Set("Cookie", pair)
		}

	case manifest.StrategyCustom:
		name := c.Manifest.Auth.HeaderName
		if name == "" {
			return fmt.Errorf("%w: custom strategy requires headerName", ErrCredentialMissing)
		}
		value := cred.APIKey
		if value == "" {
			value = cred.AccessToken
		}
		if value == "" {
			return fmt.Errorf("%w: api_key", ErrCredentialMissing)
		}
		h.Set(name, value)

	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrCredentialMissing, strategy)
	}
	return nil
}

// mergeContexts derives a context from a that is also canceled when b is
// done; abort on either cancels the outbound request.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	if b == nil {
		return context.WithCancel(a)
	}
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() {
		cancel(context.Cause(b))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
