package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/agentgate/agentgate/pkg/store"
)

// fingerprint identifies one deployed adapter state: source hash plus
// lifecycle status. The source is JCS-canonicalized first so formatting
// churn does not register as change.
func fingerprint(source []byte, status string) string {
	canon, err := jcs.Transform(source)
	if err != nil {
		canon = source
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]) + ":" + status
}

func (r *Registry) trackFingerprint(id, fp string) {
	r.fpMu.Lock()
	r.fingerprints[id] = fp
	r.fpMu.Unlock()
}

func (r *Registry) trackedFingerprint(id string) (string, bool) {
	r.fpMu.Lock()
	defer r.fpMu.Unlock()
	fp, ok := r.fingerprints[id]
	return fp, ok
}

// RestoreFromDB writes every stored adapter source back to its file path
// and records fingerprints. It restores files only; hot-loading happens
// in SeedBundled, SyncFromDB and LoadDynamicDir.
func (r *Registry) RestoreFromDB(ctx context.Context) error {
	rows, err := r.adapters.List(ctx, "", "")
	if err != nil {
		return err
	}
	for _, row := range rows {
		source := row.Source()
		if source == nil {
			continue
		}
		if _, err := r.writeRuntimeFile(row.FilePath, source); err != nil {
			r.logger.Warn("adapter restore skipped",
				"platform", row.Platform, "owner", row.OwnerID, "error", err)
			continue
		}
		r.trackFingerprint(row.ID, fingerprint(source, row.Status))
	}
	return nil
}

// SyncFromDB reconciles the live registry with the adapters table: new
// or changed rows are restored and hot-loaded, rows that disappeared are
// forgotten. Another process promoting an adapter becomes visible here.
func (r *Registry) SyncFromDB(ctx context.Context) error {
	rows, err := r.adapters.List(ctx, "", "")
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, row := range rows {
		seen[row.ID] = true
		source := row.Source()
		if source == nil {
			continue
		}
		fp := fingerprint(source, row.Status)
		if prev, ok := r.trackedFingerprint(row.ID); ok && prev == fp &&
			r.registered(row.Platform, scopeOwnerFor(row, row.Status)) {
			continue
		}

		path, err := r.writeRuntimeFile(row.FilePath, source)
		if err != nil {
			r.logger.Warn("adapter sync restore failed",
				"platform", row.Platform, "owner", row.OwnerID, "error", err)
			continue
		}

		if prev, ok := r.trackedFingerprint(row.ID); ok {
			// Status flips move the entry between scopes; drop the old one.
			if prevStatus := statusOf(prev); prevStatus != "" && prevStatus != row.Status {
				r.Unregister(row.Platform, scopeOwnerFor(row, prevStatus))
			}
		}

		ownerID := scopeOwnerFor(row, row.Status)
		loadStatus := row.Status
		if loadStatus != store.AdapterPublic {
			loadStatus = store.AdapterSandbox
		}
		if row.Status == store.AdapterPublic || row.Status == store.AdapterSandbox || row.Status == store.AdapterReview {
			if _, err := r.LoadSource(source, path, ownerID, loadStatus); err != nil {
				r.logger.Warn("adapter sync load failed",
					"platform", row.Platform, "owner", row.OwnerID, "error", err)
				continue
			}
		}
		r.trackFingerprint(row.ID, fp)
	}

	r.fpMu.Lock()
	for id := range r.fingerprints {
		if !seen[id] {
			delete(r.fingerprints, id)
		}
	}
	r.fpMu.Unlock()
	return nil
}

func statusOf(fp string) string {
	if i := strings.LastIndexByte(fp, ':'); i >= 0 {
		return fp[i+1:]
	}
	return ""
}

// scopeOwnerFor maps a row to the scope its entry lives in: public rows
// register publicly, everything else in the owner's sandbox scope.
func scopeOwnerFor(row *store.AdapterRecord, status string) string {
	if status == store.AdapterPublic {
		return ""
	}
	return row.OwnerID
}

// LoadDynamicDir hot-loads any descriptor file in the runtime directory
// root that is not already registered, as a public adapter. Operators
// can drop a file in place without touching the DB.
func (r *Registry) LoadDynamicDir(ctx context.Context) error {
	entries, err := os.ReadDir(r.runtimeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		platform := strings.TrimSuffix(e.Name(), ".json")
		if _, err := r.Resolve(platform, ""); err == nil {
			continue
		}
		path := filepath.Join(r.runtimeDir, e.Name())
		if _, err := r.LoadFile(path, "", store.AdapterPublic); err != nil {
			r.logger.Warn("dynamic adapter rejected", "file", e.Name(), "error", err)
		}
	}
	return nil
}

// StartSync runs SyncFromDB on a ticker until ctx is done.
func (r *Registry) StartSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.SyncFromDB(ctx); err != nil {
					r.logger.Warn("registry sync failed", "error", err)
				}
			}
		}
	}()
}
