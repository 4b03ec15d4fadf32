// Package oauth drives the provider-side token lifecycle: authorize URL
// construction, code exchange on callback, and proactive refresh of
// expiring access tokens.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/vault"
)

// RefreshWindow is how close to expiry a token is refreshed proactively.
const RefreshWindow = 5 * time.Minute

// errBodyLimit truncates provider error bodies before logging.
const errBodyLimit = 200

var secretParam = regexp.MustCompile(`(?i)(client_secret|refresh_token|access_token)=[^&\s"]+`)

// tokenResponse is the RFC 6749 token endpoint reply, tolerant of
// providers that send expires_in as a string.
type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    json.RawMessage `json:"expires_in"`
	Scope        string          `json:"scope"`
}

func (t tokenResponse) expiresIn() int {
	if len(t.ExpiresIn) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(t.ExpiresIn, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(t.ExpiresIn, &s); err == nil {
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

// Service owns token acquisition and refresh against provider endpoints.
type Service struct {
	vault   *vault.Vault
	auditor *audit.Logger
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(v *vault.Vault, auditor *audit.Logger, client *http.Client, logger *slog.Logger) *Service {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{vault: v, auditor: auditor, client: client, logger: logger, now: time.Now}
}

// WithClock fixes the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AuthorizeURL builds the provider redirect for a connect flow.
func (s *Service) AuthorizeURL(m manifest.Manifest, clientID, redirectURI, state string) (string, error) {
	if m.OAuth == nil {
		return "", fmt.Errorf("oauth: %s has no oauth config", m.Platform)
	}
	u, err := url.Parse(m.OAuth.AuthorizationURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)
	if len(m.Auth.Scopes) > 0 {
		q.Set("scope", strings.Join(m.Auth.Scopes, " "))
	}
	for k, v := range m.OAuth.ExtraAuthParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exchange trades an authorization code for tokens and stores them for
// the user.
func (s *Service) Exchange(ctx context.Context, userID string, m manifest.Manifest, code, redirectURI string) error {
	if m.OAuth == nil {
		return fmt.Errorf("oauth: %s has no oauth config", m.Platform)
	}
	app, err := s.vault.GetAppCredential(ctx, m.Platform)
	if err != nil {
		return fmt.Errorf("oauth: app credential for %s: %w", m.Platform, err)
	}

	tok, err := s.tokenCall(ctx, m.OAuth, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  redirectURI,
		"client_id":     app.ClientID,
		"client_secret": app.ClientSecret,
	})
	if err != nil {
		return err
	}

	payload := vault.Payload{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.expiresIn(),
	}
	var scopes []string
	if tok.Scope != "" {
		scopes = strings.Fields(tok.Scope)
	} else {
		scopes = m.Auth.Scopes
	}
	return s.vault.StoreCredential(ctx, userID, m.Platform, vault.AuthOAuth2, payload, scopes)
}

// RefreshIfNeeded refreshes the user's token when it expires within the
// window, or unconditionally when force is set. Failures are logged and
// swallowed; the 401 retry path is the recovery of last resort.
func (s *Service) RefreshIfNeeded(ctx context.Context, userID, service string, oc *manifest.OAuthConfig, force bool) {
	if oc == nil || oc.TokenURL == "" {
		return
	}
	service = vault.NormalizeService(service)

	meta, err := s.vault.CredentialMeta(ctx, userID, service)
	if err != nil {
		return
	}
	if meta.AuthType != vault.AuthOAuth2 {
		return
	}
	if !force {
		if meta.ExpiresAt == nil || s.now().Add(RefreshWindow).Before(*meta.ExpiresAt) {
			return
		}
	}

	cred, err := s.vault.RetrieveCredential(ctx, userID, service)
	if err != nil || cred.RefreshToken == "" {
		return
	}

	form := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
	}
	if app, err := s.vault.GetAppCredential(ctx, service); err == nil {
		form["client_id"] = app.ClientID
		form["client_secret"] = app.ClientSecret
	} else if cred.ClientID != "" {
		form["client_id"] = cred.ClientID
		form["client_secret"] = cred.ClientSecret
	}

	tok, err := s.tokenCall(ctx, oc, form)
	if err != nil {
		s.logger.Warn("token refresh failed",
			"service", service, "error", Redact(err.Error()))
		return
	}

	next := *cred
	next.AccessToken = tok.AccessToken
	next.ExpiresIn = tok.expiresIn()
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if tok.TokenType != "" {
		next.TokenType = tok.TokenType
	}

	if err := s.vault.StoreCredential(ctx, userID, service, vault.AuthOAuth2, next, meta.Scopes); err != nil {
		s.logger.Warn("refreshed token store failed", "service", service, "error", err)
		return
	}
	s.auditor.Log(ctx, audit.Entry{
		UserID:    userID,
		ServiceID: service,
		Action:    audit.ActionCredentialRotated,
	})
}

// tokenCall posts to the token endpoint with the manifest's encoding.
func (s *Service) tokenCall(ctx context.Context, oc *manifest.OAuthConfig, params map[string]string) (*tokenResponse, error) {
	var body io.Reader
	contentType := "application/x-www-form-urlencoded"
	if oc.TokenContentType == manifest.ContentJSON {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	} else {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.TokenURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: token endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("oauth: token endpoint returned %d: %s",
			resp.StatusCode, Redact(truncate(string(data), errBodyLimit)))
	}

	var tok tokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("oauth: parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("oauth: token response missing access_token")
	}
	return &tok, nil
}

// Redact masks secret-bearing parameter values in provider messages.
func Redact(s string) string {
	return secretParam.ReplaceAllString(s, "$1=[redacted]")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
