// Package bundled carries the adapter descriptors shipped inside the
// binary. They seed the public registry scope on startup and are
// materialized to the bundled directory so operators can inspect them.
package bundled

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/agentgate/agentgate/pkg/adapter"
)

//go:embed descriptors/*.json
var descriptorFS embed.FS

// Sources returns the raw descriptor documents keyed by platform.
func Sources() (map[string][]byte, error) {
	out := map[string][]byte{}
	entries, err := descriptorFS.ReadDir("descriptors")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		raw, err := descriptorFS.ReadFile("descriptors/" + e.Name())
		if err != nil {
			return nil, err
		}
		d, err := adapter.ParseDescriptor(raw)
		if err != nil {
			return nil, fmt.Errorf("bundled descriptor %s: %w", e.Name(), err)
		}
		out[d.Platform] = raw
	}
	return out, nil
}

// Descriptors parses and returns every bundled descriptor.
func Descriptors() ([]*adapter.Descriptor, error) {
	srcs, err := Sources()
	if err != nil {
		return nil, err
	}
	out := make([]*adapter.Descriptor, 0, len(srcs))
	for _, raw := range srcs {
		d, err := adapter.ParseDescriptor(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Materialize writes the bundled descriptors into dir as
// <platform>.json, overwriting what is there.
func Materialize(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return fs.WalkDir(descriptorFS, "descriptors", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := descriptorFS.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, filepath.Base(path)), raw, 0o644)
	})
}
