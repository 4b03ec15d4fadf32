// Package auth carries the request principal: API keys for agents,
// JWT sessions for the dashboard, and the HTTP middleware that binds
// them to the request context.
package auth

// Principal is the authenticated caller of a request.
type Principal struct {
	// ID is the owner key: API key id for agents, user id for sessions.
	ID     string
	Email  string
	Admin  bool
	Method string // "api_key", "session" or "bootstrap"
}

// OwnerKey is the scope key used for transactions, credentials and
// sandbox adapters.
func (p *Principal) OwnerKey() string { return p.ID }
