package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/manifest"
)

func runnerFixture(t *testing.T, handler http.Handler, ops map[string]Operation) (*Runner, *httptest.Server) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	m := manifest.Manifest{
		Platform:       "testsvc",
		Auth:           manifest.AuthConfig{Strategy: manifest.StrategyNone},
		AllowedDomains: []string{u.Hostname()},
	}
	desc := &Descriptor{Platform: "testsvc", Manifest: m, Operations: ops}
	actx := NewContext(context.Background(), "testsvc", "alice", "ex-1", m, nil, server.Client())
	return NewRunner(desc, actx), server
}

func TestRunner_StaticOperation(t *testing.T) {
	r, _ := runnerFixture(t, http.NotFoundHandler(), map[string]Operation{
		"discover": {Static: json.RawMessage(`{"capabilities": ["query", "execute"]}`)},
	})

	out, err := r.Discover(context.Background(), nil)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"query", "execute"}, m["capabilities"])
}

func TestRunner_UnsupportedVerb(t *testing.T) {
	r, _ := runnerFixture(t, http.NotFoundHandler(), map[string]Operation{
		"discover": {Static: json.RawMessage(`{}`)},
	})
	_, err := r.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedVerb)
}

func TestRunner_QueryInputAsQueryParams(t *testing.T) {
	var gotQuery url.Values
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []string{"a", "b"}})
	})

	r, server := runnerFixture(t, handler, nil)
	r.desc.Operations = map[string]Operation{
		"query": {Request: &RequestSpec{Method: "GET", URL: server.URL + "/v1/list", InputAs: "query"}},
	}

	out, err := r.Query(context.Background(), map[string]any{"limit": 5, "status": "open"})
	require.NoError(t, err)
	assert.Equal(t, "5", gotQuery.Get("limit"))
	assert.Equal(t, "open", gotQuery.Get("status"))
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Len(t, m["items"], 2)
}

func TestRunner_ExecuteInputAsJSONBody(t *testing.T) {
	var gotBody map[string]any
	var gotContentType string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	r, server := runnerFixture(t, handler, nil)
	r.desc.Operations = map[string]Operation{
		"execute": {Request: &RequestSpec{Method: "POST", URL: server.URL + "/v1/act", InputAs: "json"}},
	}

	out, err := r.Execute(context.Background(), map[string]any{"amount": float64(100)})
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, float64(100), gotBody["amount"])
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["ok"])
}

func TestRunner_NonJSONResponsePassedThrough(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain text payload")
	})

	r, server := runnerFixture(t, handler, nil)
	r.desc.Operations = map[string]Operation{
		"query": {Request: &RequestSpec{Method: "GET", URL: server.URL, InputAs: "none"}},
	}

	out, err := r.Query(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text payload", out)
}

func TestRunner_UpstreamErrorStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	r, server := runnerFixture(t, handler, nil)
	r.desc.Operations = map[string]Operation{
		"query": {Request: &RequestSpec{Method: "GET", URL: server.URL}},
	}

	_, err := r.Query(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestRunner_DescriptorHeadersForwarded(t *testing.T) {
	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Stripe-Version")
		_, _ = io.WriteString(w, "{}")
	})

	r, server := runnerFixture(t, handler, nil)
	r.desc.Operations = map[string]Operation{
		"query": {Request: &RequestSpec{
			Method:  "GET",
			URL:     server.URL,
			Headers: map[string]string{"Stripe-Version": "2024-06-20"},
		}},
	}

	_, err := r.Query(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-20", got)
}
