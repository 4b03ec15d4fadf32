package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentgate/agentgate/pkg/adapter"
	"github.com/agentgate/agentgate/pkg/store"
)

var (
	ErrForbidden         = errors.New("registry: caller does not own this adapter")
	ErrInvalidTransition = errors.New("registry: transition not allowed from current status")
	ErrNoSource          = errors.New("registry: archived adapter has no stored source")
)

// UploadSandbox installs descriptor source into the caller's sandbox:
// validate, write the sandbox file, upsert the record, hot-load scoped.
func (r *Registry) UploadSandbox(ctx context.Context, ownerID string, source []byte) (*store.AdapterRecord, error) {
	desc, err := adapter.ParseDescriptor(source)
	if err != nil {
		return nil, err
	}

	path, err := r.writeRuntimeFile(r.SandboxPath(ownerID, desc.Platform), source)
	if err != nil {
		return nil, err
	}
	src := string(source)
	rec, err := r.adapters.Upsert(ctx, &store.AdapterRecord{
		Platform:   desc.Platform,
		OwnerID:    ownerID,
		Status:     store.AdapterSandbox,
		FilePath:   path,
		SourceCode: &src,
		Version:    desc.Version,
	})
	if err != nil {
		return nil, err
	}
	r.trackFingerprint(rec.ID, fingerprint(source, store.AdapterSandbox))
	if _, err := r.LoadSource(source, path, ownerID, store.AdapterSandbox); err != nil {
		return nil, err
	}
	return rec, nil
}

// Submit moves the owner's sandbox adapter into review.
func (r *Registry) Submit(ctx context.Context, id, ownerID, message string) (*store.AdapterRecord, error) {
	rec, err := r.adapters.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if rec.Status != store.AdapterSandbox {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, rec.Status)
	}
	if err := r.adapters.SetReview(ctx, id, message, "", ""); err != nil {
		return nil, err
	}
	if err := r.adapters.SetStatus(ctx, id, store.AdapterReview); err != nil {
		return nil, err
	}
	return r.adapters.GetByID(ctx, id)
}

// Withdraw pulls the owner's adapter back out of review.
func (r *Registry) Withdraw(ctx context.Context, id, ownerID string) (*store.AdapterRecord, error) {
	rec, err := r.adapters.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if rec.Status != store.AdapterReview {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, rec.Status)
	}
	if err := r.adapters.SetStatus(ctx, id, store.AdapterSandbox); err != nil {
		return nil, err
	}
	return r.adapters.GetByID(ctx, id)
}

// Reject sends a reviewed adapter back to its owner's sandbox with
// feedback attached.
func (r *Registry) Reject(ctx context.Context, id, feedback, adminID string) (*store.AdapterRecord, error) {
	rec, err := r.adapters.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.AdapterReview {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, rec.Status)
	}
	if err := r.adapters.SetReview(ctx, id, rec.ReviewMessage, feedback, adminID); err != nil {
		return nil, err
	}
	if err := r.adapters.SetStatus(ctx, id, store.AdapterSandbox); err != nil {
		return nil, err
	}
	return r.adapters.GetByID(ctx, id)
}

// Promote makes a sandbox or review adapter the platform's public one.
// An existing public row for the platform is displaced: its file moves
// to the rejected archive, its status flips to rejected, and its public
// registration is dropped before the candidate takes the slot.
func (r *Registry) Promote(ctx context.Context, id, adminID string) (*store.AdapterRecord, error) {
	rec, err := r.adapters.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.AdapterSandbox && rec.Status != store.AdapterReview {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, rec.Status)
	}

	if existing, err := r.adapters.GetPublic(ctx, rec.Platform); err == nil && existing.ID != rec.ID {
		archivePath, err := r.moveRuntimeFile(existing.FilePath, r.rejectedArchivePath(existing.Platform, existing.ID))
		if err != nil {
			return nil, err
		}
		if err := r.adapters.SetFilePath(ctx, existing.ID, archivePath); err != nil {
			return nil, err
		}
		if err := r.adapters.SetStatus(ctx, existing.ID, store.AdapterRejected); err != nil {
			return nil, err
		}
		r.Unregister(existing.Platform, "")
	} else if err != nil && !errors.Is(err, store.ErrAdapterNotFound) {
		return nil, err
	}

	publicPath, err := r.moveRuntimeFile(rec.FilePath, r.PublicPath(rec.Platform))
	if err != nil {
		return nil, err
	}
	if err := r.adapters.SetFilePath(ctx, rec.ID, publicPath); err != nil {
		return nil, err
	}
	if err := r.adapters.SetReview(ctx, rec.ID, rec.ReviewMessage, rec.ReviewFeedback, adminID); err != nil {
		return nil, err
	}
	if err := r.adapters.SetStatus(ctx, rec.ID, store.AdapterPublic); err != nil {
		return nil, err
	}

	r.Unregister(rec.Platform, rec.OwnerID)
	if _, err := r.LoadFile(publicPath, "", store.AdapterPublic); err != nil {
		return nil, err
	}
	if src := rec.Source(); src != nil {
		r.trackFingerprint(rec.ID, fingerprint(src, store.AdapterPublic))
	}
	return r.adapters.GetByID(ctx, rec.ID)
}

// Demote sends a public adapter back to its owner's sandbox.
func (r *Registry) Demote(ctx context.Context, id string) (*store.AdapterRecord, error) {
	rec, err := r.adapters.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.AdapterPublic {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, rec.Status)
	}

	sandboxPath, err := r.moveRuntimeFile(rec.FilePath, r.SandboxPath(rec.OwnerID, rec.Platform))
	if err != nil {
		return nil, err
	}
	if err := r.adapters.SetFilePath(ctx, rec.ID, sandboxPath); err != nil {
		return nil, err
	}
	if err := r.adapters.SetStatus(ctx, rec.ID, store.AdapterSandbox); err != nil {
		return nil, err
	}

	r.Unregister(rec.Platform, "")
	if _, err := r.LoadFile(sandboxPath, rec.OwnerID, store.AdapterSandbox); err != nil {
		return nil, err
	}
	if src := rec.Source(); src != nil {
		r.trackFingerprint(rec.ID, fingerprint(src, store.AdapterSandbox))
	}
	return r.adapters.GetByID(ctx, rec.ID)
}

// Archive retires an adapter from any state. The runtime file is removed;
// the stored source stays in the DB for Restore.
func (r *Registry) Archive(ctx context.Context, id string) (*store.AdapterRecord, error) {
	rec, err := r.adapters.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == store.AdapterArchived {
		return rec, nil
	}

	r.Unregister(rec.Platform, scopeOwnerFor(rec, rec.Status))
	if abs, err := r.ContainPath(rec.FilePath); err == nil {
		_ = os.Remove(abs)
	}
	if err := r.adapters.SetStatus(ctx, id, store.AdapterArchived); err != nil {
		return nil, err
	}
	return r.adapters.GetByID(ctx, id)
}

// Restore revives an archived adapter into its owner's sandbox. Without
// preserved source there is nothing to restore.
func (r *Registry) Restore(ctx context.Context, id string) (*store.AdapterRecord, error) {
	rec, err := r.adapters.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.AdapterArchived {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, rec.Status)
	}
	source := rec.Source()
	if source == nil {
		return nil, ErrNoSource
	}

	path, err := r.writeRuntimeFile(r.SandboxPath(rec.OwnerID, rec.Platform), source)
	if err != nil {
		return nil, err
	}
	if err := r.adapters.SetFilePath(ctx, rec.ID, path); err != nil {
		return nil, err
	}
	if err := r.adapters.SetStatus(ctx, rec.ID, store.AdapterSandbox); err != nil {
		return nil, err
	}
	if _, err := r.LoadSource(source, path, rec.OwnerID, store.AdapterSandbox); err != nil {
		return nil, err
	}
	r.trackFingerprint(rec.ID, fingerprint(source, store.AdapterSandbox))
	return r.adapters.GetByID(ctx, rec.ID)
}

// DeleteSandbox hard-removes an owner's sandbox adapter: file, scope
// registration and row. Non-sandbox rows are not deletable this way.
func (r *Registry) DeleteSandbox(ctx context.Context, id, ownerID string) error {
	rec, err := r.adapters.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.OwnerID != ownerID {
		return ErrForbidden
	}
	if rec.Status != store.AdapterSandbox {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, rec.Status)
	}

	r.Unregister(rec.Platform, ownerID)
	if abs, err := r.ContainPath(rec.FilePath); err == nil {
		_ = os.Remove(abs)
	}
	r.fpMu.Lock()
	delete(r.fingerprints, rec.ID)
	r.fpMu.Unlock()
	return r.adapters.Delete(ctx, id)
}

// moveRuntimeFile relocates a descriptor within the runtime directory,
// both endpoints containment-checked.
func (r *Registry) moveRuntimeFile(from, to string) (string, error) {
	src, err := r.ContainPath(from)
	if err != nil {
		return "", err
	}
	dst, err := r.ContainPath(to)
	if err != nil {
		return "", err
	}
	if src == dst {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}
