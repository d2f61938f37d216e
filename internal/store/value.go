package store

import "fmt"

// ValueMap is a schema-less key/value bag restricted to a small value
// union: string, bool, float64, nil, []any, map[string]any. Records
// accept it at their boundary; invariant-bearing fields stay strongly
// typed outside it.
type ValueMap map[string]any

// NormalizeValueMap validates and canonicalizes a bag. Integer kinds are
// coerced to float64 so values round-trip through JSON unchanged.
func NormalizeValueMap(m map[string]any) (ValueMap, error) {
	if m == nil {
		return nil, nil
	}
	out := make(ValueMap, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			ni, err := normalizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = ni
		}
		return out, nil
	case map[string]any:
		out, err := NormalizeValueMap(val)
		if err != nil {
			return nil, err
		}
		return map[string]any(out), nil
	case ValueMap:
		out, err := NormalizeValueMap(val)
		if err != nil {
			return nil, err
		}
		return map[string]any(out), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Clone returns a deep copy of the bag.
func (m ValueMap) Clone() ValueMap {
	if m == nil {
		return nil
	}
	out := make(ValueMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
