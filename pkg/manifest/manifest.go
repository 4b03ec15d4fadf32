// Package manifest defines declarative adapter metadata: auth strategy,
// domain allow-lists and OAuth endpoints.
package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy selects how credentials are injected into outbound requests.
type Strategy string

const (
	StrategyNone              Strategy = "none"
	StrategyBearer            Strategy = "bearer"
	StrategyAPIKeyHeader      Strategy = "api-key-header"
	StrategyBasic             Strategy = "basic"
	StrategyCookie            Strategy = "cookie"
	StrategyCustom            Strategy = "custom"
	StrategyClientCredentials Strategy = "client-credentials"
)

// RetriesOn401 reports whether a 401 response triggers the forced-refresh
// retry. Adapters managing their own exchange do not retry.
func (s Strategy) RetriesOn401() bool {
	return s != StrategyNone && s != StrategyClientCredentials
}

// TokenContentType selects the token-endpoint body encoding.
type TokenContentType string

const (
	ContentForm TokenContentType = "form"
	ContentJSON TokenContentType = "json"
)

// AuthConfig describes the adapter's credential requirements.
type AuthConfig struct {
	Type       string   `json:"type"` // oauth2, api_key, cookie, basic, none, client_credentials
	Strategy   Strategy `json:"strategy"`
	Scopes     []string `json:"scopes,omitempty"`
	HeaderName string   `json:"headerName,omitempty"`
	CookieName string   `json:"cookieName,omitempty"`
}

// OAuthConfig describes the provider endpoints for token lifecycle.
type OAuthConfig struct {
	AuthorizationURL string            `json:"authorizationUrl"`
	TokenURL         string            `json:"tokenUrl"`
	TokenContentType TokenContentType  `json:"tokenContentType"`
	OAuthService     string            `json:"oauthService,omitempty"`
	ExtraAuthParams  map[string]string `json:"extraAuthParams,omitempty"`
}

// Manifest is the validated adapter metadata.
type Manifest struct {
	Platform             string       `json:"platform"`
	Version              string       `json:"version,omitempty"`
	Auth                 AuthConfig   `json:"auth"`
	AuthenticatedDomains []string     `json:"authenticatedDomains,omitempty"`
	AllowedDomains       []string     `json:"allowedDomains,omitempty"`
	Scopes               []string     `json:"scopes,omitempty"`
	OAuth                *OAuthConfig `json:"oauth,omitempty"`
}

var ErrInvalidManifest = errors.New("manifest: invalid")

// Define normalizes and validates a manifest. Any violation is a
// configuration error wrapping ErrInvalidManifest.
func Define(in Manifest) (Manifest, error) {
	out := in

	var err error
	if out.AuthenticatedDomains, err = normalizeDomainList(in.AuthenticatedDomains); err != nil {
		return Manifest{}, fmt.Errorf("%w: authenticatedDomains: %v", ErrInvalidManifest, err)
	}
	if out.AllowedDomains, err = normalizeDomainList(in.AllowedDomains); err != nil {
		return Manifest{}, fmt.Errorf("%w: allowedDomains: %v", ErrInvalidManifest, err)
	}

	if out.Auth.Strategy == "" {
		out.Auth.Strategy = StrategyNone
	}
	if out.Auth.Strategy != StrategyNone && len(out.AuthenticatedDomains) == 0 {
		return Manifest{}, fmt.Errorf("%w: strategy %q requires at least one authenticated domain",
			ErrInvalidManifest, out.Auth.Strategy)
	}

	// The two lists must be disjoint under canonical comparison.
	canon := make(map[string]bool, len(out.AuthenticatedDomains))
	for _, d := range out.AuthenticatedDomains {
		canon[CanonicalDomain(d)] = true
	}
	for _, d := range out.AllowedDomains {
		if canon[CanonicalDomain(d)] {
			return Manifest{}, fmt.Errorf("%w: domain %q appears in both authenticated and allowed lists",
				ErrInvalidManifest, d)
		}
	}

	if in.OAuth != nil {
		oc := *in.OAuth
		out.OAuth = &oc
		if !strings.HasPrefix(out.OAuth.AuthorizationURL, "https://") {
			return Manifest{}, fmt.Errorf("%w: oauth authorizationUrl must be https", ErrInvalidManifest)
		}
		if !strings.HasPrefix(out.OAuth.TokenURL, "https://") {
			return Manifest{}, fmt.Errorf("%w: oauth tokenUrl must be https", ErrInvalidManifest)
		}
		switch out.OAuth.TokenContentType {
		case ContentForm, ContentJSON:
		case "":
			out.OAuth.TokenContentType = ContentForm
		default:
			return Manifest{}, fmt.Errorf("%w: oauth tokenContentType %q", ErrInvalidManifest, out.OAuth.TokenContentType)
		}
	}

	return out, nil
}

// None returns the fallback manifest for adapters without one: no auth and
// no domain restrictions beyond the empty allow-list.
func None(platform string) Manifest {
	return Manifest{
		Platform: platform,
		Auth:     AuthConfig{Type: "none", Strategy: StrategyNone},
	}
}

// CanonicalDomain lowercases and strips the trailing dot.
func CanonicalDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

// MatchesDomain reports whether hostname matches any entry in domains.
// Entries match exactly, or as a subdomain when prefixed with "*.".
func MatchesDomain(hostname string, domains []string) bool {
	host := CanonicalDomain(hostname)
	for _, d := range domains {
		c := CanonicalDomain(d)
		if c == host {
			return true
		}
		if strings.HasPrefix(c, "*.") && strings.HasSuffix(host, c[1:]) {
			return true
		}
	}
	return false
}

func normalizeDomainList(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, d := range in {
		trimmed := strings.TrimSpace(d)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out, nil
}
