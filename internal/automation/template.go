package automation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nerrad567/homecore/internal/state"
)

var templatePattern = regexp.MustCompile(`\$\{([^}]*)\}`)

const (
	payloadPrefix = "payload."
	statePrefix   = "state:"
)

// resolver substitutes ${...} templates in action params.
type resolver struct {
	payload map[string]any
	states  StateLookup
}

// newResolver flattens the trigger event's data to generic JSON values so
// payload paths address the same field names clients see.
func newResolver(data any, states StateLookup) *resolver {
	r := &resolver{states: states}
	if data == nil {
		return r
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return r
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		r.payload = m
	}
	return r
}

// params returns a resolved copy of params. A param that is exactly one
// unresolved template with no default is omitted.
func (r *resolver) params(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, ok := r.value(v)
		if ok {
			out[k] = resolved
		}
	}
	return out
}

func (r *resolver) value(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		return r.str(val)
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			if resolved, ok := r.value(inner); ok {
				m[k] = resolved
			}
		}
		return m, true
	case []any:
		s := make([]any, 0, len(val))
		for _, inner := range val {
			if resolved, ok := r.value(inner); ok {
				s = append(s, resolved)
			}
		}
		return s, true
	default:
		return v, true
	}
}

func (r *resolver) str(s string) (any, bool) {
	if !strings.Contains(s, "${") {
		return s, true
	}

	// A lone template keeps the referenced value's type.
	if loc := templatePattern.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		return r.expr(s[loc[2]:loc[3]])
	}

	return templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := r.expr(m[2 : len(m)-1])
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	}), true
}

// expr evaluates one template body: source[|default].
func (r *resolver) expr(body string) (any, bool) {
	ref, def, hasDefault := strings.Cut(body, "|")
	ref = strings.TrimSpace(ref)

	var (
		v  any
		ok bool
	)
	switch {
	case strings.HasPrefix(ref, payloadPrefix):
		v, ok = lookupPath(r.payload, strings.TrimPrefix(ref, payloadPrefix))
	case strings.HasPrefix(ref, statePrefix):
		v, ok = r.stateValue(strings.TrimPrefix(ref, statePrefix))
	}
	if ok {
		return v, true
	}
	if hasDefault {
		return parseDefault(strings.TrimSpace(def)), true
	}
	return nil, false
}

// stateValue resolves entity_id[:attribute] against the state store.
func (r *resolver) stateValue(ref string) (any, bool) {
	if r.states == nil {
		return nil, false
	}
	entityID, attr, hasAttr := strings.Cut(ref, ":")
	st, err := r.states.Get(entityID)
	if err != nil {
		return nil, false
	}
	if !hasAttr {
		attr = state.FieldState
	}
	return st.Field(attr)
}

// lookupPath walks a dot-separated path through maps and slices.
func lookupPath(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// parseDefault reads a default literal as JSON when it parses, otherwise as
// a plain string, so "|20" yields a number and "|off" a string.
func parseDefault(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}
