package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a config document.
type Format int

const (
	// JSON documents, as produced by the training scripts.
	JSON Format = iota
	// YAML documents with the same keys.
	YAML
)

func (f Format) String() string {
	switch f {
	case JSON:
		return "json"
	case YAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// Source supplies a raw config document.
type Source interface {
	// Name identifies the source in errors and logs.
	Name() string
	// Document returns the top-level keys of the document.
	Document() (map[string]any, error)
}

// File returns a Source reading path. The format follows the extension:
// .yaml and .yml are YAML, everything else is JSON.
func File(path string) Source {
	return fileSource(path)
}

type fileSource string

func (f fileSource) Name() string {
	return string(f)
}

func (f fileSource) Document() (map[string]any, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, err
	}
	return parse(data, formatOf(string(f)))
}

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return JSON
	}
}

// Bytes returns a Source over an in-memory document.
func Bytes(data []byte, format Format) Source {
	return bytesSource{data: data, format: format}
}

type bytesSource struct {
	data   []byte
	format Format
}

func (b bytesSource) Name() string {
	return "inline " + b.format.String()
}

func (b bytesSource) Document() (map[string]any, error) {
	return parse(b.data, b.format)
}

// Value returns a Source whose document is the JSON encoding of v, which is
// typically a Model, Raw or Keystroke literal.
func Value(v any) Source {
	return valueSource{v: v}
}

type valueSource struct {
	v any
}

func (valueSource) Name() string {
	return "defaults"
}

func (s valueSource) Document() (map[string]any, error) {
	data, err := json.Marshal(s.v)
	if err != nil {
		return nil, err
	}
	return parse(data, JSON)
}

func parse(data []byte, format Format) (map[string]any, error) {
	doc := map[string]any{}
	switch format {
	case YAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}
