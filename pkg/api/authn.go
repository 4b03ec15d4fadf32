package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentgate/agentgate/pkg/auth"
)

// loginProvider is one dashboard identity provider.
type loginProvider struct {
	name         string
	authorizeURL string
	tokenURL     string
	scope        string
	clientID     string
	clientSecret string
	userInfo     func(ctx context.Context, client *http.Client, accessToken string) (email, name string, err error)
}

func (s *Server) loginProviders() map[string]*loginProvider {
	if s.providers == nil {
		s.providers = map[string]*loginProvider{
			"github": {
				name:         "github",
				authorizeURL: "https://github.com/login/oauth/authorize",
				tokenURL:     "https://github.com/login/oauth/access_token",
				scope:        "read:user user:email",
				clientID:     s.Config.GitHubClientID,
				clientSecret: s.Config.GitHubClientSecret,
				userInfo:     githubUserInfo,
			},
			"google": {
				name:         "google",
				authorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
				tokenURL:     "https://oauth2.googleapis.com/token",
				scope:        "openid email profile",
				clientID:     s.Config.GoogleClientID,
				clientSecret: s.Config.GoogleClientSecret,
				userInfo:     googleUserInfo,
			},
		}
	}
	return s.providers
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loginProviders()[r.PathValue("provider")]
	if !ok {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_PROVIDER", "unknown login provider")
		return
	}
	if p.clientID == "" {
		writeError(w, r, http.StatusConflict, "PROVIDER_NOT_CONFIGURED",
			p.name+" login is not configured")
		return
	}

	state, err := s.OAuthState.Issue(r.Context(), "", "login:"+p.name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", s.loginCallbackURL(p.name))
	q.Set("response_type", "code")
	q.Set("scope", p.scope)
	q.Set("state", state)
	http.Redirect(w, r, p.authorizeURL+"?"+q.Encode(), http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loginProviders()[r.PathValue("provider")]
	if !ok {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_PROVIDER", "unknown login provider")
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_FIELDS", "code and state are required")
		return
	}

	_, boundService, err := s.OAuthState.Consume(r.Context(), state)
	if err != nil || boundService != "login:"+p.name {
		writeError(w, r, http.StatusBadRequest, "OAUTH_STATE_INVALID", "state expired or already used")
		return
	}

	accessToken, err := s.loginTokenExchange(r.Context(), p, code)
	if err != nil {
		s.Logger.Warn("login token exchange failed", "provider", p.name, "error", err)
		writeError(w, r, http.StatusBadGateway, "PROVIDER_ERROR", "identity provider rejected the login")
		return
	}

	email, name, err := p.userInfo(r.Context(), s.httpClient(), accessToken)
	if err != nil || email == "" {
		s.Logger.Warn("login userinfo failed", "provider", p.name, "error", err)
		writeError(w, r, http.StatusBadGateway, "PROVIDER_ERROR", "could not read identity from provider")
		return
	}

	user, err := s.Users.UpsertByEmail(r.Context(), email, name, p.name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	token, err := s.Sessions.Issue(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     p.ID,
		"email":  p.Email,
		"admin":  p.Admin,
		"method": p.Method,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.Sessions.Revoke(r.Context(), strings.TrimSpace(token)); err != nil {
		writeError(w, r, http.StatusBadRequest, "SESSION_INVALID", "not a session token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loginTokenExchange(ctx context.Context, p *loginProvider, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("redirect_uri", s.loginCallbackURL(p.name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return tok.AccessToken, nil
}

func (s *Server) loginCallbackURL(provider string) string {
	base := s.Config.PublicBaseURL
	if base == "" {
		base = "http://localhost:" + s.Config.Port
	}
	return base + "/auth/" + provider + "/callback"
}

func (s *Server) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

func githubUserInfo(ctx context.Context, client *http.Client, accessToken string) (string, string, error) {
	var u struct {
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := getJSON(ctx, client, "https://api.github.com/user", accessToken, &u); err != nil {
		return "", "", err
	}
	email := u.Email
	if email == "" {
		// Private email settings hide the address on /user.
		var emails []struct {
			Email   string `json:"email"`
			Primary bool   `json:"primary"`
		}
		if err := getJSON(ctx, client, "https://api.github.com/user/emails", accessToken, &emails); err == nil {
			for _, e := range emails {
				if e.Primary {
					email = e.Email
					break
				}
			}
		}
	}
	name := u.Name
	if name == "" {
		name = u.Login
	}
	return email, name, nil
}

func googleUserInfo(ctx context.Context, client *http.Client, accessToken string) (string, string, error) {
	var u struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := getJSON(ctx, client, "https://www.googleapis.com/oauth2/v2/userinfo", accessToken, &u); err != nil {
		return "", "", err
	}
	return u.Email, u.Name, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL, accessToken string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst)
}
