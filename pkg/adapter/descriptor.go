package adapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentgate/agentgate/pkg/manifest"
)

// Descriptor is the declarative form of an adapter: a JSON document the
// generic Runner interprets. Generated and uploaded adapters are stored and
// hot-swapped as descriptors; there is no dynamic code loading.
type Descriptor struct {
	Platform   string               `json:"platform"`
	Version    string               `json:"version,omitempty"`
	Manifest   manifest.Manifest    `json:"manifest"`
	Operations map[string]Operation `json:"operations"`
	Meta       map[string]any       `json:"meta,omitempty"`
}

// Operation is one verb binding: either a static response or an HTTP
// request template executed through the Context.
type Operation struct {
	Static  json.RawMessage `json:"static,omitempty"`
	Request *RequestSpec    `json:"request,omitempty"`
}

// RequestSpec templates one outbound call.
type RequestSpec struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	// InputAs routes the verb input: "query" appends it as query
	// parameters, "json" posts it as the body, "none" ignores it.
	InputAs string `json:"inputAs,omitempty"`
}

var ErrInvalidDescriptor = errors.New("adapter: invalid descriptor")

// descriptorSchema gates every descriptor before it reaches the registry.
const descriptorSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["platform", "operations"],
	"properties": {
		"platform": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]*$"},
		"version": {"type": "string"},
		"manifest": {"type": "object"},
		"meta": {"type": "object"},
		"operations": {
			"type": "object",
			"propertyNames": {"enum": ["discover", "query", "execute"]},
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"properties": {
					"static": {},
					"request": {
						"type": "object",
						"required": ["method", "url"],
						"properties": {
							"method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
							"url": {"type": "string", "pattern": "^https://"},
							"headers": {"type": "object", "additionalProperties": {"type": "string"}},
							"inputAs": {"enum": ["query", "json", "none"]}
						}
					}
				},
				"minProperties": 1
			}
		}
	}
}`

var compiledDescriptorSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("descriptor.json", strings.NewReader(descriptorSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("descriptor.json")
}

// ParseDescriptor validates raw descriptor JSON against the schema and the
// manifest rules and returns the parsed document.
func ParseDescriptor(raw []byte) (*Descriptor, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := compiledDescriptorSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	if d.Manifest.Platform == "" {
		d.Manifest.Platform = d.Platform
	}
	m, err := manifest.Define(d.Manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	d.Manifest = m

	for verb, op := range d.Operations {
		if op.Static == nil && op.Request == nil {
			return nil, fmt.Errorf("%w: operation %q binds neither static nor request", ErrInvalidDescriptor, verb)
		}
	}
	return &d, nil
}
