package registry

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/agentgate/agentgate/pkg/adapter"
	"github.com/agentgate/agentgate/pkg/store"
)

// lenientVersion parses up to three numeric dotted components, missing
// components read as zero. Returns false for anything else.
func lenientVersion(s string) (*semver.Version, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	nums := [3]uint64{}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, false
		}
		nums[i] = n
	}
	return semver.New(nums[0], nums[1], nums[2], "", ""), true
}

// SeedBundled reconciles the bundled descriptor set into the DB and the
// public registry scope. Bundled sources are read-only; every write goes
// to the runtime directory.
func (r *Registry) SeedBundled(ctx context.Context, sources map[string][]byte) error {
	for platform, source := range sources {
		desc, err := adapter.ParseDescriptor(source)
		if err != nil {
			r.logger.Warn("bundled descriptor rejected", "platform", platform, "error", err)
			continue
		}

		row, err := r.adapters.GetPublic(ctx, platform)
		switch {
		case err == nil:
			if err := r.seedExisting(ctx, row, desc, source); err != nil {
				return err
			}
		case errors.Is(err, store.ErrAdapterNotFound):
			if err := r.seedNew(ctx, desc, source); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

func (r *Registry) seedNew(ctx context.Context, desc *adapter.Descriptor, source []byte) error {
	path, err := r.writeRuntimeFile(r.PublicPath(desc.Platform), source)
	if err != nil {
		return err
	}
	src := string(source)
	rec, err := r.adapters.Upsert(ctx, &store.AdapterRecord{
		Platform:   desc.Platform,
		OwnerID:    store.SystemOwner,
		Status:     store.AdapterPublic,
		FilePath:   path,
		SourceCode: &src,
		Version:    desc.Version,
	})
	if err != nil {
		return err
	}
	r.trackFingerprint(rec.ID, fingerprint(source, store.AdapterPublic))
	_, err = r.LoadSource(source, path, "", store.AdapterPublic)
	return err
}

func (r *Registry) seedExisting(ctx context.Context, row *store.AdapterRecord, desc *adapter.Descriptor, source []byte) error {
	if row.OwnerID != store.SystemOwner {
		if err := r.adapters.ReassignOwner(ctx, row.ID, store.SystemOwner); err != nil {
			return err
		}
		row.OwnerID = store.SystemOwner
		r.logger.Info("bundled adapter ownership reclaimed", "platform", row.Platform)
	}

	current, currentOK := lenientVersion(row.Version)
	incoming, incomingOK := lenientVersion(desc.Version)
	upgrade := !currentOK || (incomingOK && incoming.GreaterThan(current))
	if !upgrade {
		// Keep whatever is deployed; still make sure it is loaded.
		if _, resolveErr := r.Resolve(row.Platform, ""); resolveErr != nil {
			if _, err := r.LoadFile(row.FilePath, "", store.AdapterPublic); err != nil {
				r.logger.Warn("bundled adapter reload failed", "platform", row.Platform, "error", err)
			}
		}
		return nil
	}

	path, err := r.writeRuntimeFile(r.PublicPath(desc.Platform), source)
	if err != nil {
		return err
	}
	src := string(source)
	rec, err := r.adapters.Upsert(ctx, &store.AdapterRecord{
		ID:         row.ID,
		Platform:   desc.Platform,
		OwnerID:    store.SystemOwner,
		Status:     store.AdapterPublic,
		FilePath:   path,
		SourceCode: &src,
		Version:    desc.Version,
	})
	if err != nil {
		return err
	}
	r.trackFingerprint(rec.ID, fingerprint(source, store.AdapterPublic))
	if _, err := r.LoadSource(source, path, "", store.AdapterPublic); err != nil {
		return err
	}
	r.logger.Info("bundled adapter upgraded",
		"platform", desc.Platform, "from", row.Version, "to", desc.Version)
	return nil
}
