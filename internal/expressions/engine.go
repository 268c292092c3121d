package expressions

import (
	"context"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// Engine evaluates expressions against a set of named variables.
// CEL backs CONDITION steps, expr backs pipeline predicates and reducers,
// gojq backs pipeline transforms.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoises compiled programs by source text. Safe for concurrent use.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) getOrCompile(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	if p, ok := c.progs[src]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		var zero P
		return zero, err
	}
	c.progs[src] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

func compileErr(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConfiguration, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalErr(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStepExecution, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// Truthy converts an evaluation result into a boolean the way conditions read it.
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case int:
		return b != 0
	case int64:
		return b != 0
	case uint64:
		return b != 0
	case float64:
		return b != 0
	case []any:
		return len(b) > 0
	case map[string]any:
		return len(b) > 0
	default:
		return true
	}
}
