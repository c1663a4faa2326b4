package store

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DecodeDefaultsYAML decodes a YAML document into S through its JSON shape,
// so S only needs json tags.
func DecodeDefaultsYAML[S any](data []byte) (S, error) {
	var out S
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return out, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("json marshal: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("json unmarshal: %w", err)
	}
	return out, nil
}

// LoadDefaultsYAML reads state defaults from a YAML file.
func LoadDefaultsYAML[S any](path string) (S, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		var zero S
		return zero, fmt.Errorf("read %s: %w", path, err)
	}
	return DecodeDefaultsYAML[S](data)
}
