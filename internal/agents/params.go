package agents

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// Param helpers shared by the strategies.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	if f, ok := toNumber(v); ok {
		return int(f)
	}
	return defaultVal
}

func stringsParam(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func mapsParam(m map[string]any, key string) []map[string]any {
	switch v := m[key].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{v}
	}
	return nil
}

// toNumber reads v as a float64 when it is any numeric type.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toList reads v as an array of items. Nil is an empty array.
func toList(v any, op string) ([]any, error) {
	switch list := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return list, nil
	case []map[string]any:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, nil
	case []string:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "%s expects an array, got %T", op, v)
}

// decodeParams copies a loosely typed params map into a typed struct.
func decodeParams(params map[string]any, op string, v any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "%s: invalid params: %v", op, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "%s: invalid params: %v", op, err)
	}
	return nil
}

func durationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
