// Package jobs runs the adapter generation queue: enqueue with a daily
// limit, a worker loop that claims jobs from the database, and a
// pluggable generator producing adapter descriptors.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/agentgate/agentgate/pkg/adapter"
	"github.com/agentgate/agentgate/pkg/store"
)

// Artifact is what a generator produces for one job.
type Artifact struct {
	// Descriptor is the adapter descriptor JSON, sandbox-ready.
	Descriptor []byte
	// Profile is an optional interaction profile for the platform.
	Profile json.RawMessage
}

// Generator turns a generation job into an adapter descriptor. log
// streams progress lines into the job record.
type Generator interface {
	Generate(ctx context.Context, job *store.GenerationJob, log func(string)) (*Artifact, error)
}

// DescriptorGenerator is the deterministic default: it drafts a minimal
// valid descriptor from the job's platform and docs URL. The LLM-backed
// pipeline plugs in behind the same interface.
type DescriptorGenerator struct{}

func (DescriptorGenerator) Generate(ctx context.Context, job *store.GenerationJob, log func(string)) (*Artifact, error) {
	log("drafting descriptor for " + job.Platform)

	m := map[string]any{
		"auth": map[string]any{"type": "none", "strategy": "none"},
	}
	if job.DocsURL != "" {
		u, err := url.Parse(job.DocsURL)
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("jobs: docs url %q: not a valid URL", job.DocsURL)
		}
		m["allowedDomains"] = []string{u.Hostname()}
		log("allow-listed " + u.Hostname())
	}

	doc := map[string]any{
		"platform": job.Platform,
		"version":  "0.1.0",
		"manifest": m,
		"operations": map[string]any{
			"discover": map[string]any{
				"static": map[string]any{
					"platform":     job.Platform,
					"capabilities": []string{"discover"},
				},
			},
		},
		"meta": map[string]any{"generated": true, "docsUrl": job.DocsURL},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if _, err := adapter.ParseDescriptor(raw); err != nil {
		return nil, fmt.Errorf("jobs: drafted descriptor invalid: %w", err)
	}

	log("descriptor drafted")
	return &Artifact{
		Descriptor: raw,
		Profile:    json.RawMessage(fmt.Sprintf(`{"platform": %q, "source": "generated"}`, job.Platform)),
	}, nil
}
