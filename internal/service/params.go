package service

import (
	"math"
	"sort"
	"strings"

	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/state"
)

// coerceParams checks params against the service spec and returns a copy with
// declared params converted to their canonical Go types. Undeclared params
// pass through untouched.
func coerceParams(spec integration.ServiceSpec, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	var missing, invalid []string
	for key, p := range spec.RequiredParams {
		v, ok := params[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		c, ok := coerce(p.Type, v)
		if !ok {
			invalid = append(invalid, key)
			continue
		}
		out[key] = c
	}
	for key, p := range spec.OptionalParams {
		v, ok := params[key]
		if !ok || v == nil {
			continue
		}
		c, ok := coerce(p.Type, v)
		if !ok {
			invalid = append(invalid, key)
			continue
		}
		out[key] = c
	}

	if len(missing) > 0 || len(invalid) > 0 {
		sort.Strings(missing)
		sort.Strings(invalid)
		return nil, &InvalidParamsError{Service: spec.Name(), Missing: missing, Invalid: invalid}
	}
	return out, nil
}

// coerce converts v to the canonical representation of t.
func coerce(t integration.ParamType, v any) (any, bool) {
	switch t {
	case integration.ParamNumber:
		return state.ParseNumber(v)

	case integration.ParamInteger:
		f, ok := state.ParseNumber(v)
		if !ok || f != math.Trunc(f) || f < -(1<<63) || f >= 1<<63 {
			return nil, false
		}
		return int64(f), true

	case integration.ParamBoolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			switch strings.ToLower(b) {
			case "true":
				return true, true
			case "false":
				return false, true
			}
		}
		return nil, false

	case integration.ParamString:
		s, ok := v.(string)
		return s, ok

	case integration.ParamObject:
		m, ok := v.(map[string]any)
		return m, ok

	case integration.ParamArray:
		a, ok := v.([]any)
		return a, ok

	default:
		return v, true
	}
}
