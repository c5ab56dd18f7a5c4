// Package manifest reads builder manifests from disk. A manifest may be a
// standalone document or embedded in a larger project file, in which case a
// JSONPath selector picks it out.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/trellis/api"
	"github.com/agentic-research/trellis/internal/graph"
)

var (
	ErrUnsupportedSchema = errors.New("unsupported manifest schema version")
	ErrNoMatch           = errors.New("selector matched nothing")
)

// LoadFile reads the manifest at path. See Parse for selector semantics.
func LoadFile(path, selector string) (*api.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data, selector)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest. An empty selector (or "$") uses the whole
// document; otherwise the first JSONPath match is decoded.
func Parse(data []byte, selector string) (*api.Manifest, error) {
	root, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if selector != "" && selector != "$" {
		x, err := jp.ParseString(selector)
		if err != nil {
			return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
		}
		results := x.Get(root)
		if len(results) == 0 {
			return nil, fmt.Errorf("%s: %w", selector, ErrNoMatch)
		}
		root = results[0]
	}

	// Re-encode the selected node so struct tags drive the decoding.
	raw, err := oj.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode selected manifest: %w", err)
	}
	var m api.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	if m.SchemaVersion > api.SchemaVersion {
		return nil, fmt.Errorf("schema %d (max %d): %w", m.SchemaVersion, api.SchemaVersion, ErrUnsupportedSchema)
	}
	if m.Components == nil {
		m.Components = make(map[string]*api.Component)
	}
	for id, c := range m.Components {
		if c != nil && c.ID == "" {
			c.ID = id
		}
	}
	return &m, nil
}

// Check reports structural problems in m. They are advisory: a pass over a
// manifest with problems still runs and records per-file errors.
func Check(m *api.Manifest) []error {
	return graph.Validate(m.Components)
}
