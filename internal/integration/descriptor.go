package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConfigFieldType is the input kind of a config field.
type ConfigFieldType string

// Config field types.
const (
	ConfigFieldText     ConfigFieldType = "text"
	ConfigFieldPassword ConfigFieldType = "password"
	ConfigFieldNumber   ConfigFieldType = "number"
	ConfigFieldBoolean  ConfigFieldType = "boolean"
	ConfigFieldSelect   ConfigFieldType = "select"
)

// ConfigField is one entry of a descriptor's config schema.
type ConfigField struct {
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	Type        ConfigFieldType `json:"type"`
	Required    bool            `json:"required"`
	Placeholder string          `json:"placeholder,omitempty"`
	Default     any             `json:"default,omitempty"`
	Options     []string        `json:"options,omitempty"`
}

// FactoryDeps is what a factory receives to build an adapter.
type FactoryDeps struct {
	// Name is the integration name the instance runs under.
	Name string

	// Config is the validated user config with defaults applied.
	Config map[string]any

	Logger Logger
}

// Factory builds an unconnected adapter.
type Factory func(ctx context.Context, deps FactoryDeps) (Adapter, error)

// Descriptor is the static description of an integration kind.
type Descriptor struct {
	Name         string                 `json:"name"`
	DisplayName  string                 `json:"display_name"`
	Description  string                 `json:"description"`
	Version      string                 `json:"version"`
	Capabilities []string               `json:"capabilities"`
	ConfigSchema map[string]ConfigField `json:"config_schema"`

	// CallTimeout is the default service call timeout for this integration.
	CallTimeout time.Duration `json:"-"`

	Factory Factory `json:"-"`
}

// ValidateConfig checks cfg against the schema and returns a copy with
// defaults applied. Keys outside the schema are kept.
func (d *Descriptor) ValidateConfig(cfg map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(cfg)+len(d.ConfigSchema))
	for k, v := range cfg {
		out[k] = v
	}

	keys := make([]string, 0, len(d.ConfigSchema))
	for k := range d.ConfigSchema {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var problems []string
	for _, key := range keys {
		field := d.ConfigSchema[key]
		v, present := out[key]
		if !present || isBlank(v) {
			if field.Default != nil {
				out[key] = field.Default
				continue
			}
			if field.Required {
				problems = append(problems, fmt.Sprintf("%s is required", key))
			}
			continue
		}
		if err := checkFieldValue(field, v); err != nil {
			problems = append(problems, fmt.Sprintf("%s %v", key, err))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, d.Name, strings.Join(problems, "; "))
	}
	return out, nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func checkFieldValue(field ConfigField, v any) error {
	switch field.Type {
	case ConfigFieldNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return nil
		}
		return fmt.Errorf("must be a number")
	case ConfigFieldBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("must be a boolean")
		}
	case ConfigFieldSelect:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("must be one of %v", field.Options)
		}
		for _, opt := range field.Options {
			if s == opt {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v", field.Options)
	default:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("must be a string")
		}
	}
	return nil
}

// ConfigString reads a string config value, falling back to def.
func ConfigString(cfg map[string]any, key, def string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return def
}

// ConfigList splits a comma-separated config value into trimmed items.
func ConfigList(cfg map[string]any, key string) []string {
	raw := ConfigString(cfg, key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ConfigDuration reads a number of seconds, or a Go duration string.
func ConfigDuration(cfg map[string]any, key string, def time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
