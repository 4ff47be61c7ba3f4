package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Format of a config file, chosen from its extension.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// coerceToJSONBytes converts YAML to JSON so both formats go through the
// same strict decoder (DisallowUnknownFields).
func coerceToJSONBytes(path string, data []byte) ([]byte, Format, error) {
	format := formatOf(path)
	if format == FormatJSON {
		return data, format, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		return []byte("{}"), format, nil
	}

	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, format, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, format, nil
}

// normalizeYAML turns map[any]any nodes into map[string]any.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
