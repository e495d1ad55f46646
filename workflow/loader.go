package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/castingclouds/circuit-breaker-sub001/rules"
	"github.com/castingclouds/circuit-breaker-sub001/types"
)

// ParseDocument decodes a YAML (or JSON) definition document.
func ParseDocument(data []byte) (types.Document, error) {
	var doc types.Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return types.Document{}, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
		}
		return types.Document{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return doc, nil
}

// LoadDocument reads and decodes a definition document from path.
func LoadDocument(path string) (types.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Document{}, fmt.Errorf("failed to read definition %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return types.Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadDefinition reads path and builds a validated Definition.
func LoadDefinition(path string, reg *rules.Registry) (*Definition, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	def, err := NewDefinition(doc, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// MarshalDocument encodes a document as YAML.
func MarshalDocument(doc types.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
