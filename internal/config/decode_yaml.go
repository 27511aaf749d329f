package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// isYAML picks the format from the file extension. Without a known extension
// anything that does not look like a JSON object is read as YAML.
func isYAML(name string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	case ".json":
		return false
	}
	return !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{"))
}

// toJSON returns data as JSON so both formats go through the same strict
// decoder.
func toJSON(name string, data []byte) ([]byte, error) {
	if !isYAML(name, data) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes (non-string YAML keys) into
// map[string]any.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case map[any]any:
		m := make(map[string]any, len(n))
		for k, v := range n {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	}
	return node
}
