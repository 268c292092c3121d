package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/rendis/flowrun/pkg/schema"
)

var secretRefRe = regexp.MustCompile(`\{\{\s*secrets\.([A-Za-z0-9_.-]+)\s*\}\}`)

// HasRefs reports whether raw contains a {{secrets.KEY}} reference.
func HasRefs(raw []byte) bool {
	return secretRefRe.Match(raw)
}

// ExpandConfig replaces every {{secrets.KEY}} reference found in the string
// values of an agent config with the secret's plaintext. Config without
// references is returned unchanged. Each key is resolved once per call.
func ExpandConfig(ctx context.Context, r Resolver, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || !HasRefs(raw) {
		return raw, nil
	}
	if r == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration,
			"agent config references secrets but no vault is configured")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent config is not valid JSON: %v", err)
	}

	cache := map[string]string{}
	var firstErr error
	var walk func(any) any
	walk = func(v any) any {
		switch x := v.(type) {
		case string:
			return secretRefRe.ReplaceAllStringFunc(x, func(ref string) string {
				key := secretRefRe.FindStringSubmatch(ref)[1]
				if val, ok := cache[key]; ok {
					return val
				}
				plain, err := r.Resolve(ctx, key)
				if err != nil {
					if firstErr == nil {
						firstErr = schema.NewErrorf(schema.ErrCodeConfiguration,
							"resolve secret %q: %s", key, messageOf(err)).WithCause(err)
					}
					return ref
				}
				cache[key] = string(plain)
				return cache[key]
			})
		case map[string]any:
			for k, item := range x {
				x[k] = walk(item)
			}
			return x
		case []any:
			for i, item := range x {
				x[i] = walk(item)
			}
			return x
		default:
			return v
		}
	}
	doc = walk(doc)
	if firstErr != nil {
		return nil, firstErr
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "encode agent config: %v", err)
	}
	return out, nil
}

func messageOf(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
