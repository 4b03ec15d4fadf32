package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/agentgate/agentgate/pkg/adapter"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/config"
	"github.com/agentgate/agentgate/pkg/gateway"
	"github.com/agentgate/agentgate/pkg/jobs"
	"github.com/agentgate/agentgate/pkg/kms"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/oauth"
	"github.com/agentgate/agentgate/pkg/registry"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"
)

const testAdminKey = "bootstrap-admin-key"

type apiFixture struct {
	ts       *httptest.Server
	registry *registry.Registry
	keys     *store.APIKeyStore
	users    *store.UserStore
	sessions *auth.Sessions
}

func newAPIFixture(t *testing.T, upstream *http.Client, policy config.ExecutePolicy) *apiFixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(":memory:", false)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	auditor := audit.NewLogger(db)
	require.NoError(t, auditor.Migrate(ctx))
	v := vault.New(db, kms.NewLocalProvider("api-test"), "", auditor)
	require.NoError(t, v.Migrate(ctx))

	adapters := store.NewAdapterStore(db)
	require.NoError(t, adapters.Migrate(ctx))
	transactions := store.NewTransactionStore(db)
	require.NoError(t, transactions.Migrate(ctx))
	businesses := store.NewBusinessStore(db)
	require.NoError(t, businesses.Migrate(ctx))
	profiles := store.NewProfileStore(db)
	require.NoError(t, profiles.Migrate(ctx))
	jobStore := store.NewJobStore(db)
	require.NoError(t, jobStore.Migrate(ctx))
	keys := store.NewAPIKeyStore(db)
	require.NoError(t, keys.Migrate(ctx))
	users := store.NewUserStore(db)
	require.NoError(t, users.Migrate(ctx))
	oauthState := store.NewOAuthStateStore(db)
	require.NoError(t, oauthState.Migrate(ctx))
	idem := store.NewSQLIdempotencyStore(db)
	require.NoError(t, idem.Migrate(ctx))

	reg := registry.New(t.TempDir(), t.TempDir(), adapters, nil)
	if upstream == nil {
		upstream = http.DefaultClient
	}
	gw := gateway.NewService(reg, v, nil, auditor, transactions, businesses, profiles, upstream, time.Second, nil)
	gate := gateway.NewPolicyGate(policy, "session-secret")
	sessions := auth.NewSessions("session-secret", users)
	worker := jobs.NewWorker(jobStore, adapters, profiles, reg, nil, jobs.Options{DailyLimit: 5}, nil)
	oauthSvc := oauth.NewService(v, auditor, upstream, nil)

	cfg := &config.Config{
		Port:          "8080",
		Environment:   "test",
		AdminAPIKey:   testAdminKey,
		SessionSecret: "session-secret",
		ExecutePolicy: policy,
		CORSOrigins:   []string{"https://dash.example.com"},
	}

	srv := NewServer(Deps{
		Config:      cfg,
		DB:          db,
		Gateway:     gw,
		Gate:        gate,
		Registry:    reg,
		Vault:       v,
		OAuth:       oauthSvc,
		Auditor:     auditor,
		Worker:      worker,
		Adapters:    adapters,
		Businesses:  businesses,
		Jobs:        jobStore,
		APIKeys:     keys,
		Users:       users,
		OAuthState:  oauthState,
		Idempotency: idem,
		Auth:        auth.NewAuthenticator(keys, sessions, testAdminKey, nil),
		Sessions:    sessions,
		Limiter:     auth.NewRateLimiter(0, 0),
	})

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &apiFixture{ts: ts, registry: reg, keys: keys, users: users, sessions: sessions}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any, header http.Header) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResp(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// registerStaticPlatform installs a public descriptor whose verbs run
// against the given upstream test server.
func registerStaticPlatform(t *testing.T, f *apiFixture, platform string, ops map[string]adapter.Operation, upstream *httptest.Server) {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	m := manifest.Manifest{
		Platform:       platform,
		Auth:           manifest.AuthConfig{Type: "none", Strategy: manifest.StrategyNone},
		AllowedDomains: []string{u.Hostname()},
	}
	f.registry.Register(&registry.Entry{
		Platform: platform,
		Status:   store.AdapterPublic,
		Manifest: m,
		Descriptor: &adapter.Descriptor{
			Platform:   platform,
			Manifest:   m,
			Operations: ops,
		},
	})
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)
	resp := f.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeResp(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dev", body["version"])
	assert.Equal(t, "test", body["environment"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestVerbsRequireAuth(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)
	resp := f.do(t, http.MethodPost, "/agp/discover", "", map[string]any{"businessId": "square"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeResp(t, resp)
	assert.Equal(t, "UNAUTHORIZED", body["code"])
	assert.NotEmpty(t, body["requestId"])
}

func TestDiscoverRoundTrip(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.Client(), config.PolicyOff)
	registerStaticPlatform(t, f, "square", map[string]adapter.Operation{
		"discover": {Static: json.RawMessage(`{"capabilities": ["query", "execute"]}`)},
	}, upstream)

	resp := f.do(t, http.MethodPost, "/agp/discover", testAdminKey,
		map[string]any{"businessId": "square"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeResp(t, resp)
	assert.Equal(t, "succeeded", body["status"])
	txID, _ := body["transactionId"].(string)
	require.NotEmpty(t, txID)

	resp = f.do(t, http.MethodGet, "/agp/status/"+txID, testAdminKey, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "discover", decodeResp(t, resp)["verb"])
}

func TestErrorShapeUnknownBusiness(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)
	resp := f.do(t, http.MethodPost, "/agp/query", testAdminKey,
		map[string]any{"businessId": "no-such-business"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeResp(t, resp)
	assert.Equal(t, "BUSINESS_NOT_FOUND", body["code"])
	assert.Equal(t, "Bad Request", body["error"])
	assert.NotEmpty(t, body["requestId"])
}

func TestErrorShapeBusinessWithoutAdapter(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)

	resp := f.do(t, http.MethodPost, "/businesses", testAdminKey,
		map[string]any{"name": "Orphan", "platform": "ghost"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := decodeResp(t, resp)["id"].(string)
	require.NotEmpty(t, id)

	resp = f.do(t, http.MethodPost, "/agp/query", testAdminKey,
		map[string]any{"businessId": id}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ADAPTER_NOT_FOUND", decodeResp(t, resp)["code"])
}

func TestExecuteIdempotencyReplay(t *testing.T) {
	var hits int
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"confirmation": "ok"}`))
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.Client(), config.PolicyOff)
	registerStaticPlatform(t, f, "square", map[string]adapter.Operation{
		"execute": {Request: &adapter.RequestSpec{Method: "POST", URL: upstream.URL + "/orders", InputAs: "json"}},
	}, upstream)

	header := http.Header{"Idempotency-Key": []string{"order-42"}}
	body := map[string]any{"businessId": "square", "input": map[string]any{"item": "espresso"}}

	first := f.do(t, http.MethodPost, "/agp/execute", testAdminKey, body, header)
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.Empty(t, first.Header.Get("Idempotency-Replayed"))
	firstBody := decodeResp(t, first)

	second := f.do(t, http.MethodPost, "/agp/execute", testAdminKey, body, header)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotency-Replayed"))
	assert.Equal(t, firstBody["transactionId"], decodeResp(t, second)["transactionId"])
	assert.Equal(t, 1, hits)
}

func TestExecuteReplayOfConfirmedExecute(t *testing.T) {
	var hits int
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.Client(), config.PolicyConfirm)
	registerStaticPlatform(t, f, "square", map[string]adapter.Operation{
		"execute": {Request: &adapter.RequestSpec{Method: "POST", URL: upstream.URL, InputAs: "json"}},
	}, upstream)

	body := map[string]any{"businessId": "square", "input": map[string]any{"amount": 5}}

	resp := f.do(t, http.MethodPost, "/agp/execute/prepare", testAdminKey, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := decodeResp(t, resp)["confirmationToken"].(string)
	require.NotEmpty(t, token)

	header := http.Header{"Idempotency-Key": []string{"order-7"}}
	body["confirmationToken"] = token
	first := f.do(t, http.MethodPost, "/agp/execute", testAdminKey, body, header)
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstBody := decodeResp(t, first)

	// A replay under the same key is the same request: the cached
	// response is served without a fresh confirmation token.
	delete(body, "confirmationToken")
	second := f.do(t, http.MethodPost, "/agp/execute", testAdminKey, body, header)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotency-Replayed"))
	assert.Equal(t, firstBody["transactionId"], decodeResp(t, second)["transactionId"])
	assert.Equal(t, 1, hits)
}

func TestCheckpointIsAdminOnly(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)

	resp := f.do(t, http.MethodPost, "/keys", testAdminKey, map[string]any{"name": "user"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plaintext, _ := decodeResp(t, resp)["plaintext"].(string)

	resp = f.do(t, http.MethodPost, "/admin/db/checkpoint", plaintext, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/admin/db/checkpoint", testAdminKey, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestExecuteConfirmPolicy(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer upstream.Close()

	f := newAPIFixture(t, upstream.Client(), config.PolicyConfirm)
	registerStaticPlatform(t, f, "square", map[string]adapter.Operation{
		"execute": {Request: &adapter.RequestSpec{Method: "POST", URL: upstream.URL, InputAs: "json"}},
	}, upstream)

	body := map[string]any{"businessId": "square", "input": map[string]any{"amount": 5}}

	resp := f.do(t, http.MethodPost, "/agp/execute", testAdminKey, body, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "CONFIRMATION_REQUIRED", decodeResp(t, resp)["code"])

	resp = f.do(t, http.MethodPost, "/agp/execute/prepare", testAdminKey, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prep := decodeResp(t, resp)
	token, _ := prep["confirmationToken"].(string)
	require.NotEmpty(t, token)

	body["confirmationToken"] = token
	resp = f.do(t, http.MethodPost, "/agp/execute", testAdminKey, body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = decodeResp(t, resp)
}

func TestAPIKeyLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)

	resp := f.do(t, http.MethodPost, "/keys", testAdminKey, map[string]any{"name": "ci"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeResp(t, resp)
	plaintext, _ := created["plaintext"].(string)
	require.NotEmpty(t, plaintext)
	keyInfo, _ := created["key"].(map[string]any)
	keyID, _ := keyInfo["id"].(string)
	require.NotEmpty(t, keyID)

	resp = f.do(t, http.MethodGet, "/auth/me", plaintext, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeResp(t, resp)
	assert.Equal(t, "api_key", me["method"])
	assert.Equal(t, false, me["admin"])

	resp = f.do(t, http.MethodDelete, "/keys/"+keyID, plaintext, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/auth/me", plaintext, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestNonAdminCannotMintAdminKey(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)

	resp := f.do(t, http.MethodPost, "/keys", testAdminKey, map[string]any{"name": "user"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plaintext, _ := decodeResp(t, resp)["plaintext"].(string)

	resp = f.do(t, http.MethodPost, "/keys", plaintext,
		map[string]any{"name": "sneaky", "admin": true}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)

	resp := f.do(t, http.MethodPost, "/keys", testAdminKey, map[string]any{"name": "user"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plaintext, _ := decodeResp(t, resp)["plaintext"].(string)

	resp = f.do(t, http.MethodGet, "/audit/verify", plaintext, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/audit/verify", testAdminKey, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeResp(t, resp)["valid"])
}

func TestSessionLoginAndLogout(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)
	ctx := context.Background()

	user, err := f.users.UpsertByEmail(ctx, "casey@example.com", "Casey", "github")
	require.NoError(t, err)
	token, err := f.sessions.Issue(ctx, user)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/auth/me", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeResp(t, resp)
	assert.Equal(t, "casey@example.com", me["email"])
	assert.Equal(t, "session", me["method"])

	resp = f.do(t, http.MethodPost, "/auth/logout", token, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/auth/me", token, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestBusinessCRUD(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)

	resp := f.do(t, http.MethodPost, "/businesses", testAdminKey,
		map[string]any{"name": "Caffe Luna", "platform": "square", "location": "Lisbon"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeResp(t, resp)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	resp = f.do(t, http.MethodPut, "/businesses/"+id, testAdminKey,
		map[string]any{"description": "espresso bar"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeResp(t, resp)
	assert.Equal(t, "espresso bar", updated["description"])
	assert.Equal(t, "Caffe Luna", updated["name"])

	resp = f.do(t, http.MethodDelete, "/businesses/"+id, testAdminKey, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/businesses/"+id, testAdminKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestGenerationJobEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)

	resp := f.do(t, http.MethodPost, "/adapters/jobs", testAdminKey,
		map[string]any{"platform": "toast", "docsUrl": "https://docs.toasttab.com/api"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decodeResp(t, resp)
	assert.Equal(t, "queued", job["status"])

	resp = f.do(t, http.MethodGet, "/adapters/jobs", testAdminKey, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, _ := decodeResp(t, resp)["jobs"].([]any)
	assert.Len(t, list, 1)
}

func TestUnknownLoginProvider(t *testing.T) {
	f := newAPIFixture(t, nil, config.PolicyOff)
	resp := f.do(t, http.MethodGet, "/auth/gitlab/login", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_PROVIDER", decodeResp(t, resp)["code"])
}
