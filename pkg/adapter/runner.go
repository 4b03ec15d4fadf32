package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// maxResponseBytes bounds what the runner will read from a third-party
// response body.
const maxResponseBytes = 4 << 20

// Runner interprets a Descriptor as an Adapter. One Runner serves one
// request; it carries the execution context it was constructed with.
type Runner struct {
	desc *Descriptor
	actx *Context
}

// NewRunner binds a descriptor to a per-request context.
func NewRunner(desc *Descriptor, actx *Context) *Runner {
	return &Runner{desc: desc, actx: actx}
}

func (r *Runner) Discover(ctx context.Context, input map[string]any) (any, error) {
	return r.run(ctx, "discover", input)
}

func (r *Runner) Query(ctx context.Context, input map[string]any) (any, error) {
	return r.run(ctx, "query", input)
}

func (r *Runner) Execute(ctx context.Context, input map[string]any) (any, error) {
	return r.run(ctx, "execute", input)
}

func (r *Runner) run(ctx context.Context, verb string, input map[string]any) (any, error) {
	op, ok := r.desc.Operations[verb]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %q operation", ErrUnsupportedVerb, r.desc.Platform, verb)
	}

	if op.Static != nil {
		var out any
		if err := json.Unmarshal(op.Static, &out); err != nil {
			return nil, fmt.Errorf("adapter: static payload for %q: %w", verb, err)
		}
		return out, nil
	}

	spec := op.Request
	reqURL := spec.URL

	var body []byte
	header := http.Header{}
	for k, v := range spec.Headers {
		header.Set(k, v)
	}

	switch spec.InputAs {
	case "query":
		u, err := url.Parse(reqURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		q := u.Query()
		for k, v := range input {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		reqURL = u.String()
	case "json":
		var err error
		if body, err = json.Marshal(input); err != nil {
			return nil, fmt.Errorf("adapter: encode input: %w", err)
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}

	resp, err := r.actx.Fetch(ctx, Request{
		Method: spec.Method,
		URL:    reqURL,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("adapter: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("adapter: %s %s returned %d: %s",
			spec.Method, r.desc.Platform, resp.StatusCode, truncate(string(data), 200))
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		// Non-JSON upstreams are passed through as text.
		return string(data), nil
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
