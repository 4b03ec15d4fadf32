package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/agentgate/agentgate/pkg/adapter"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/kms"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/registry"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"
)

type fixture struct {
	svc          *Service
	db           *sqlx.DB
	registry     *registry.Registry
	vault        *vault.Vault
	auditor      *audit.Logger
	transactions *store.TransactionStore
	businesses   *store.BusinessStore
	profiles     *store.ProfileStore
}

func newFixture(t *testing.T, client *http.Client, timeout time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(":memory:", false)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	auditor := audit.NewLogger(db)
	require.NoError(t, auditor.Migrate(ctx))
	v := vault.New(db, kms.NewLocalProvider("gateway-test"), "", auditor)
	require.NoError(t, v.Migrate(ctx))

	adapters := store.NewAdapterStore(db)
	require.NoError(t, adapters.Migrate(ctx))
	transactions := store.NewTransactionStore(db)
	require.NoError(t, transactions.Migrate(ctx))
	businesses := store.NewBusinessStore(db)
	require.NoError(t, businesses.Migrate(ctx))
	profiles := store.NewProfileStore(db)
	require.NoError(t, profiles.Migrate(ctx))

	reg := registry.New(t.TempDir(), t.TempDir(), adapters, nil)

	svc := NewService(reg, v, nil, auditor, transactions, businesses, profiles, client, timeout, nil)
	return &fixture{
		svc:          svc,
		db:           db,
		registry:     reg,
		vault:        v,
		auditor:      auditor,
		transactions: transactions,
		businesses:   businesses,
		profiles:     profiles,
	}
}

// registerPlatform puts a public descriptor-backed entry in the registry
// whose operations hit the given test server.
func registerPlatform(t *testing.T, f *fixture, platform string, ops map[string]adapter.Operation, server *httptest.Server) {
	t.Helper()
	u, err := url.Parse(server.URL)
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

func lastTransaction(t *testing.T, f *fixture) *store.Transaction {
	t.Helper()
	var id string
	require.NoError(t, f.db.Get(&id,
		`SELECT id FROM transactions ORDER BY created_at DESC, id DESC LIMIT 1`))
	tx, err := f.transactions.Get(context.Background(), id, "")
	require.NoError(t, err)
	return tx
}

func TestQuery_SuccessRecordsTransaction(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "caffe-luna", r.URL.Query().Get("business"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [{"name": "espresso"}]}`))
	}))
	defer server.Close()

	f := newFixture(t, server.Client(), time.Second)
	registerPlatform(t, f, "square", map[string]adapter.Operation{
		"query": {Request: &adapter.RequestSpec{Method: "GET", URL: server.URL + "/catalog", InputAs: "query"}},
	}, server)

	b, err := f.businesses.Create(ctx, &store.Business{
		OwnerID: "alice", Name: "Caffe Luna", Platform: "square",
	})
	require.NoError(t, err)

	res, err := f.svc.Query(ctx, "alice", b.ID, map[string]any{"business": "caffe-luna"})
	require.NoError(t, err)
	assert.Equal(t, store.TxSucceeded, res.Status)
	assert.NotEmpty(t, res.TransactionID)

	tx, err := f.svc.Status(ctx, res.TransactionID, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, store.TxSucceeded, tx.Status)
	assert.Equal(t, "query", tx.Verb)

	var result map[string]any
	require.NoError(t, json.Unmarshal(tx.Result, &result))
	assert.Contains(t, result, "items")
}

func TestQuery_TimeoutFailsTransaction(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	f := newFixture(t, server.Client(), 10*time.Millisecond)
	registerPlatform(t, f, "square", map[string]adapter.Operation{
		"query": {Request: &adapter.RequestSpec{Method: "GET", URL: server.URL + "/slow"}},
	}, server)

	_, err := f.svc.Query(ctx, "alice", "square", nil)
	assert.ErrorIs(t, err, ErrAdapterTimeout)

	tx := lastTransaction(t, f)
	assert.Equal(t, store.TxFailed, tx.Status)
	assert.Equal(t, "Adapter execution timed out", tx.Error)
}

func TestInvoke_UnknownBusinessFailsTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, http.DefaultClient, time.Second)

	_, err := f.svc.Discover(ctx, "alice", "no-such-business", nil)
	assert.ErrorIs(t, err, ErrBusinessNotFound)

	tx := lastTransaction(t, f)
	assert.Equal(t, store.TxFailed, tx.Status)
	assert.Contains(t, tx.Error, "business not found")
}

func TestInvoke_BusinessResolutionChain(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	f := newFixture(t, server.Client(), time.Second)
	registerPlatform(t, f, "toast", map[string]adapter.Operation{
		"discover": {Static: json.RawMessage(`{"capabilities": ["query"]}`)},
	}, server)

	// A profile row stands in when no business row exists.
	require.NoError(t, f.profiles.Upsert(ctx, "ghost-kitchen", "toast", json.RawMessage(`{}`)))
	res, err := f.svc.Discover(ctx, "alice", "ghost-kitchen", nil)
	require.NoError(t, err)
	assert.Equal(t, store.TxSucceeded, res.Status)

	// The platform name itself resolves when neither row exists.
	res, err = f.svc.Discover(ctx, "alice", "toast", nil)
	require.NoError(t, err)
	assert.Equal(t, store.TxSucceeded, res.Status)

	// Deleted businesses do not resolve.
	b, err := f.businesses.Create(ctx, &store.Business{OwnerID: "alice", Name: "Closed", Platform: "toast"})
	require.NoError(t, err)
	require.NoError(t, f.businesses.Delete(ctx, b.ID, "alice"))
	_, err = f.svc.Discover(ctx, "alice", b.ID, nil)
	assert.ErrorIs(t, err, ErrBusinessNotFound)
}

func TestQuery_CredentialRetrievalAudited(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	f := newFixture(t, server.Client(), time.Second)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	m := manifest.Manifest{
		Platform:             "square",
		Auth:                 manifest.AuthConfig{Type: "oauth2", Strategy: manifest.StrategyBearer},
		AuthenticatedDomains: []string{u.Hostname()},
	}
	f.registry.Register(&registry.Entry{
		Platform: "square",
		Status:   store.AdapterPublic,
		Manifest: m,
		Descriptor: &adapter.Descriptor{
			Platform: "square",
			Manifest: m,
			Operations: map[string]adapter.Operation{
				"query": {Request: &adapter.RequestSpec{Method: "GET", URL: server.URL + "/catalog"}},
			},
		},
	})

	require.NoError(t, f.vault.StoreCredential(ctx, "alice", "square",
		vault.AuthOAuth2, vault.Payload{AccessToken: "tok-123"}, nil))

	_, err = f.svc.Query(ctx, "alice", "square", nil)
	require.NoError(t, err)

	entries, err := f.auditor.List(ctx, "alice", 10)
	require.NoError(t, err)
	var retrieved []audit.Entry
	for _, e := range entries {
		if e.Action == audit.ActionCredentialRetrieved {
			retrieved = append(retrieved, e)
		}
	}
	require.Len(t, retrieved, 1)
	assert.Equal(t, "square", retrieved[0].ServiceID)
	assert.Equal(t, "square:query", retrieved[0].ExecutionID)
}

func TestInvoke_AdapterErrorWrappedAndTruncated(t *testing.T) {
	ctx := context.Background()
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(big)
	}))
	defer server.Close()

	f := newFixture(t, server.Client(), time.Second)
	registerPlatform(t, f, "square", map[string]adapter.Operation{
		"query": {Request: &adapter.RequestSpec{Method: "GET", URL: server.URL}},
	}, server)

	_, err := f.svc.Query(ctx, "alice", "square", nil)
	require.Error(t, err)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "query", opErr.Verb)

	tx := lastTransaction(t, f)
	assert.Equal(t, store.TxFailed, tx.Status)
	assert.LessOrEqual(t, len(tx.Error), 500)
}

func TestStatus_OwnerScoping(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := newFixture(t, server.Client(), time.Second)
	registerPlatform(t, f, "square", map[string]adapter.Operation{
		"discover": {Static: json.RawMessage(`{}`)},
	}, server)

	res, err := f.svc.Discover(ctx, "alice", "square", nil)
	require.NoError(t, err)

	_, err = f.svc.Status(ctx, res.TransactionID, "bob", false)
	assert.ErrorIs(t, err, store.ErrTransactionNotFound)

	tx, err := f.svc.Status(ctx, res.TransactionID, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", tx.OwnerKeyID)
}

func TestInvoke_DefaultOwnerKey(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := newFixture(t, server.Client(), time.Second)
	registerPlatform(t, f, "square", map[string]adapter.Operation{
		"discover": {Static: json.RawMessage(`{}`)},
	}, server)

	res, err := f.svc.Discover(ctx, "", "square", nil)
	require.NoError(t, err)

	tx := lastTransaction(t, f)
	assert.Equal(t, res.TransactionID, tx.ID)
	assert.Equal(t, DefaultOwnerKey, tx.OwnerKeyID)
}

func TestInvoke_ScopedAdapterShadowsPublic(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := newFixture(t, server.Client(), time.Second)
	registerPlatform(t, f, "square", map[string]adapter.Operation{
		"discover": {Static: json.RawMessage(`{"tier": "public"}`)},
	}, server)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	m := manifest.Manifest{
		Platform:       "square",
		Auth:           manifest.AuthConfig{Type: "none", Strategy: manifest.StrategyNone},
		AllowedDomains: []string{u.Hostname()},
	}
	f.registry.Register(&registry.Entry{
		Platform: "square",
		OwnerID:  "alice",
		Status:   store.AdapterSandbox,
		Manifest: m,
		Descriptor: &adapter.Descriptor{
			Platform: "square",
			Manifest: m,
			Operations: map[string]adapter.Operation{
				"discover": {Static: json.RawMessage(`{"tier": "sandbox"}`)},
			},
		},
	})

	res, err := f.svc.Discover(ctx, "alice", "square", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "sandbox"}, res.Data)

	res, err = f.svc.Discover(ctx, "bob", "square", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "public"}, res.Data)
}
