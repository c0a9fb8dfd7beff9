package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gridflow/gridflow/pkg/schema"
)

// loadGraphFile reads a graph definition from a YAML (or JSON) file. YAML
// is decoded into generic maps and re-encoded through JSON so raw node
// config bags survive as json.RawMessage.
func loadGraphFile(path string) (*schema.GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse graph file %s: %w", path, err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert graph file %s: %w", path, err)
	}

	def := &schema.GraphDefinition{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, fmt.Errorf("decode graph file %s: %w", path, err)
	}
	return def, nil
}
