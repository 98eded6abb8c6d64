package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// secretPaths are masked by Sanitize.
var secretPaths = []string{
	"telegram.testToken",
	"telegram.prodToken",
	"storage.accessKey",
	"storage.secretKey",
}

// Setting is one leaf of the config tree.
type Setting struct {
	Path  string
	Value any
}

// tree renders cfg as nested maps keyed by the JSON field names.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromTree decodes m into a new Config. Keys the struct does not have are
// an error.
func fromTree(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// section walks m to the map that holds the last element of path.
func section(m map[string]any, path string) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, "", fmt.Errorf("invalid path %q", path)
		}
	}
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}
	return parent, parts[len(parts)-1], nil
}

// GetByPath retrieves a config value by dot-notation path (e.g. "storage.bucket").
// Optional fields that are unset are reported as not found.
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	parent, key, err := section(m, path)
	if err != nil {
		return nil, err
	}
	val, ok := parent[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", path)
	}
	return val, nil
}

// SetByPath parses value for the field at path and stores it in cfg. The
// value is converted to the field's type; general.stand and telegram.admins
// are checked the way the environment overrides are. On error cfg is left
// unchanged.
func SetByPath(cfg *Config, path, value string) error {
	m, err := tree(cfg)
	if err != nil {
		return err
	}
	parent, key, err := section(m, path)
	if err != nil {
		return err
	}
	v, err := coerce(path, parent[key], value)
	if err != nil {
		return err
	}
	parent[key] = v

	next, err := fromTree(m)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = *next
	return nil
}

func coerce(path string, current any, value string) (any, error) {
	value = strings.TrimSpace(value)

	switch path {
	case "general.stand":
		stand := strings.ToUpper(value)
		if stand != StandDev && stand != StandProd {
			return nil, fmt.Errorf("general.stand must be %s or %s, got %q", StandDev, StandProd, value)
		}
		return stand, nil
	case "telegram.admins":
		admins, err := ParseAdminList(value)
		if err != nil {
			return nil, err
		}
		if len(admins) == 0 {
			return nil, fmt.Errorf("telegram.admins needs at least one ID")
		}
		return admins, nil
	}

	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false, got %q", path, value)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%s expects a number, got %q", path, value)
		}
		return f, nil
	case string:
		return value, nil
	case nil:
		// Unset optional field: the decoder rejects a wrong guess.
		return guessValue(value), nil
	default:
		return nil, fmt.Errorf("%s cannot be set from a single value", path)
	}
}

func guessValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with the secrets masked.
func Sanitize(cfg *Config) *Config {
	m, err := tree(cfg)
	if err != nil {
		return cfg
	}
	for _, p := range secretPaths {
		parent, key, err := section(m, p)
		if err != nil {
			continue
		}
		if s, ok := parent[key].(string); ok && s != "" {
			parent[key] = maskString(s)
		}
	}
	out, err := fromTree(m)
	if err != nil {
		return cfg
	}
	return out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every set leaf of the config, sorted by path.
func ListPaths(cfg *Config) []Setting {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	var out []Setting
	flatten("", m, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func flatten(prefix string, m map[string]any, out *[]Setting) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		*out = append(*out, Setting{Path: path, Value: v})
	}
}
