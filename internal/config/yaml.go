package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// coerceToJSONBytes turns a JSON or YAML file into JSON for the strict
// decoder, expanding ${NAME} environment references in string values on the
// way. It returns the bytes and "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	format := "json"
	var v any
	if isYAML(path) {
		format = "yaml"
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil || dec.More() {
			// Leave syntax errors and trailing data to the strict decoder.
			return data, format, nil
		}
	}

	x := &expander{}
	v = x.walk(v)
	if len(x.missing) > 0 {
		sort.Strings(x.missing)
		return nil, format, fmt.Errorf("unset environment variables: %s", strings.Join(x.missing, ", "))
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, format, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, format, nil
}

// envRef matches ${NAME}; a leading "$$" escapes it.
var envRef = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type expander struct {
	missing []string
}

func (x *expander) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		if strings.HasPrefix(m, "$$") {
			return m[1:]
		}
		name := m[2 : len(m)-1]
		val, ok := os.LookupEnv(name)
		if !ok {
			x.missing = append(x.missing, name)
		}
		return val
	})
}

// walk rewrites map keys to strings so the tree is JSON-marshalable and
// expands string values. Keys are never expanded.
func (x *expander) walk(in any) any {
	switch v := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[fmt.Sprint(k)] = x.walk(e)
		}
		return m
	case map[string]any:
		for k, e := range v {
			v[k] = x.walk(e)
		}
		return v
	case []any:
		for i := range v {
			v[i] = x.walk(v[i])
		}
		return v
	case string:
		return x.expand(v)
	default:
		return in
	}
}
