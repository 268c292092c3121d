package expressions

import (
	"encoding/json"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/flowrun/pkg/schema"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
	wholeRe       = regexp.MustCompile(`^\{\{\s*([^{}]*?)\s*\}\}$`)
)

// Scope holds the roots a template path can start from.
// Fixed roots "inputs" and "metadata" win over a step with the same key.
type Scope struct {
	Inputs   map[string]any
	Metadata map[string]any
	Steps    map[string]any // completed step outputs keyed by step key
	Extra    map[string]any // additional roots such as "item" inside a pipeline transform
}

// ScopeFrom builds a scope from a run context using only completed step outputs.
func ScopeFrom(ec *schema.ExecutionContext) *Scope {
	if ec == nil {
		return &Scope{}
	}
	return &Scope{Inputs: ec.Inputs, Metadata: ec.Metadata, Steps: ec.Outputs()}
}

// Resolver substitutes {{ path }} placeholders. It never fails: a path that
// cannot be resolved leaves its placeholder in place.
type Resolver struct{}

// NewResolver returns a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve walks v and resolves every string it contains. Maps and slices are
// copied, never mutated.
func (r *Resolver) Resolve(v any, scope *Scope) any {
	switch val := v.(type) {
	case string:
		return r.ResolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.Resolve(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Resolve(item, scope)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.ResolveString(item, scope)
		}
		return out
	default:
		return v
	}
}

// ResolveMap is Resolve specialised for step input maps.
func (r *Resolver) ResolveMap(m map[string]any, scope *Scope) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return r.Resolve(m, scope).(map[string]any)
}

// ResolveString resolves placeholders in s. When s is exactly one
// placeholder the referenced value is returned with its own type.
// Otherwise each placeholder is replaced by its string form.
func (r *Resolver) ResolveString(s string, scope *Scope) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := wholeRe.FindStringSubmatch(s); m != nil {
		if val, ok := r.Lookup(m[1], scope); ok {
			return val
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(ph string) string {
		path := placeholderRe.FindStringSubmatch(ph)[1]
		val, ok := r.Lookup(path, scope)
		if !ok {
			return ph
		}
		return Stringify(val)
	})
}

// Lookup resolves a dot path against the scope.
func (r *Resolver) Lookup(path string, scope *Scope) (any, bool) {
	if scope == nil || path == "" {
		return nil, false
	}
	root, rest, _ := strings.Cut(path, ".")

	var base any
	switch {
	case root == "inputs":
		base = scope.Inputs
	case root == "metadata":
		base = scope.Metadata
	default:
		var ok bool
		if base, ok = scope.Extra[root]; !ok {
			if base, ok = scope.Steps[root]; !ok {
				return nil, false
			}
		}
	}
	if rest == "" {
		return base, true
	}
	return Traverse(base, rest)
}

// Roots returns the first path segment of every placeholder found in v,
// deduplicated and sorted.
func Roots(v any) []string {
	seen := map[string]struct{}{}
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range placeholderRe.FindAllStringSubmatch(val, -1) {
				if root, _, _ := strings.Cut(m[1], "."); root != "" {
					seen[root] = struct{}{}
				}
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)

	roots := make([]string, 0, len(seen))
	for r := range seen {
		roots = append(roots, r)
	}
	slices.Sort(roots)
	return roots
}

// Traverse navigates nested objects along a dot-separated path. Stepping into
// a missing key, a nil value or a non-object fails.
func Traverse(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a resolved value for embedding inside a larger string.
// Objects and arrays are JSON encoded.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
