package ontology

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a catalog document. YAML and JSON are both accepted since
// JSON is a subset of YAML. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidCatalog)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return &c, nil
}

// Load parses and freezes a catalog in one step.
func Load(data []byte) (*Registry, error) {
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return c.Freeze()
}

// LoadFile reads, parses and freezes a catalog file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	reg, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("loading catalog %s: %w", path, err)
	}
	return reg, nil
}
