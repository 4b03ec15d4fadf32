// Package registry holds the live adapter table: which descriptor serves
// each platform, in the public scope or a per-owner sandbox scope. The
// registry is the in-memory view; the adapters table plus the runtime
// directory are the durable form it is seeded and synced from.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentgate/agentgate/pkg/adapter"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/store"
)

// PublicScope keys the public bucket in the scope map.
const PublicScope = "__public__"

var (
	ErrEntryNotFound = errors.New("registry: adapter not registered")
	ErrPathEscape    = errors.New("registry: path escapes the runtime directory")
)

// Entry is one live adapter registration.
type Entry struct {
	Platform   string
	OwnerID    string // empty in the public scope
	Status     string // store.AdapterPublic or store.AdapterSandbox
	Source     string // descriptor file path
	Descriptor *adapter.Descriptor
	Manifest   manifest.Manifest
	Meta       map[string]any
}

// Registry maps platform → scopeKey → entry. Writes swap entry pointers
// under the write lock; readers see either the old or new entry, never a
// torn state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry

	runtimeDir string
	bundledDir string
	adapters   *store.AdapterStore
	logger     *slog.Logger

	fpMu         sync.Mutex
	fingerprints map[string]string // adapter row id → fingerprint
}

func New(runtimeDir, bundledDir string, adapters *store.AdapterStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:      map[string]map[string]*Entry{},
		runtimeDir:   runtimeDir,
		bundledDir:   bundledDir,
		adapters:     adapters,
		logger:       logger,
		fingerprints: map[string]string{},
	}
}

func scopeKeyFor(ownerID string) string {
	if ownerID == "" {
		return PublicScope
	}
	return ownerID
}

// Register installs an entry, replacing any previous registration for the
// same platform and scope.
func (r *Registry) Register(e *Entry) {
	key := scopeKeyFor(e.OwnerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	scopes, ok := r.entries[e.Platform]
	if !ok {
		scopes = map[string]*Entry{}
		r.entries[e.Platform] = scopes
	}
	scopes[key] = e
}

// registered reports whether the exact (platform, scope) pair is live,
// without the public fallback Resolve applies.
func (r *Registry) registered(platform, ownerID string) bool {
	key := scopeKeyFor(ownerID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	scopes, ok := r.entries[platform]
	if !ok {
		return false
	}
	_, ok = scopes[key]
	return ok
}

// Unregister removes the (platform, owner) registration if present.
func (r *Registry) Unregister(platform, ownerID string) {
	key := scopeKeyFor(ownerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if scopes, ok := r.entries[platform]; ok {
		delete(scopes, key)
		if len(scopes) == 0 {
			delete(r.entries, platform)
		}
	}
}

// Resolve finds the adapter for a platform: the caller's sandbox scope
// first, then public.
func (r *Registry) Resolve(platform, ownerID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scopes, ok := r.entries[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, platform)
	}
	if ownerID != "" {
		if e, ok := scopes[ownerID]; ok {
			return e, nil
		}
	}
	if e, ok := scopes[PublicScope]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, platform)
}

// ListPublic returns every public entry.
func (r *Registry) ListPublic() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, scopes := range r.entries {
		if e, ok := scopes[PublicScope]; ok {
			out = append(out, e)
		}
	}
	return out
}

// ListScoped returns the owner's sandbox entries.
func (r *Registry) ListScoped(ownerID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, scopes := range r.entries {
		if e, ok := scopes[ownerID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// ListOAuthAdapters returns public adapters that can drive an OAuth
// connect flow: oauth2 auth type with endpoint config present. Manifests
// missing their platform get it backfilled from the entry key.
func (r *Registry) ListOAuthAdapters() []manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []manifest.Manifest
	for platform, scopes := range r.entries {
		e, ok := scopes[PublicScope]
		if !ok {
			continue
		}
		m := e.Manifest
		if m.Auth.Type != "oauth2" || m.OAuth == nil {
			continue
		}
		if m.Platform == "" {
			m.Platform = platform
		}
		out = append(out, m)
	}
	return out
}

// GetOAuthAdapter finds the OAuth manifest for a service name, matching
// the manifest's oauthService alias as well as the platform.
func (r *Registry) GetOAuthAdapter(service string) (manifest.Manifest, bool) {
	service = strings.ToLower(strings.TrimSpace(service))
	for _, m := range r.ListOAuthAdapters() {
		if m.Platform == service {
			return m, true
		}
		if m.OAuth != nil && m.OAuth.OAuthService == service {
			return m, true
		}
	}
	return manifest.Manifest{}, false
}

// ContainPath resolves target inside the runtime directory, rejecting
// escapes and anything under the bundled directory. Every registry write
// goes through this.
func (r *Registry) ContainPath(target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	base, err := filepath.Abs(r.runtimeDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, target)
	}
	if r.bundledDir != "" {
		bundled, err := filepath.Abs(r.bundledDir)
		if err == nil {
			if brel, err := filepath.Rel(bundled, abs); err == nil &&
				brel != ".." && !strings.HasPrefix(brel, ".."+string(filepath.Separator)) {
				return "", fmt.Errorf("%w: %s is inside the bundled directory", ErrPathEscape, target)
			}
		}
	}
	return abs, nil
}

// writeRuntimeFile writes descriptor source through the containment check.
func (r *Registry) writeRuntimeFile(path string, source []byte) (string, error) {
	abs, err := r.ContainPath(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, source, 0o644); err != nil {
		return "", err
	}
	return abs, nil
}

// LoadFile parses and installs the descriptor at path for the given
// scope. This is the hot-load: the previous entry for the scope is
// replaced atomically.
func (r *Registry) LoadFile(path, ownerID, status string) (*Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("registry: stat %s: %w", filepath.Base(path), err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("registry: %s is not a regular file", filepath.Base(path))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.LoadSource(raw, path, ownerID, status)
}

// LoadSource installs descriptor source directly (DB sync path).
func (r *Registry) LoadSource(raw []byte, path, ownerID, status string) (*Entry, error) {
	desc, err := adapter.ParseDescriptor(raw)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Platform:   desc.Platform,
		OwnerID:    ownerID,
		Status:     status,
		Source:     path,
		Descriptor: desc,
		Manifest:   desc.Manifest,
		Meta:       desc.Meta,
	}
	r.Register(e)
	r.logger.Info("adapter loaded",
		"platform", desc.Platform, "scope", scopeKeyFor(ownerID), "status", status)
	return e, nil
}

// PublicPath is where a platform's public descriptor lives.
func (r *Registry) PublicPath(platform string) string {
	return filepath.Join(r.runtimeDir, platform+".json")
}

// SandboxPath is where an owner's sandbox descriptor lives.
func (r *Registry) SandboxPath(ownerID, platform string) string {
	return filepath.Join(r.runtimeDir, "sandbox", ownerID, platform+".json")
}

// rejectedArchivePath stores displaced public descriptors.
func (r *Registry) rejectedArchivePath(platform, id string) string {
	return filepath.Join(r.runtimeDir, "archive", "rejected", platform+"-"+id+".json")
}
