package agents

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/flowrun/internal/metrics"
	"github.com/rendis/flowrun/internal/secrets"
	"github.com/rendis/flowrun/pkg/schema"
)

// Config wires the default strategies. A nil LLM backend or sandbox leaves
// that agent type unconfigured. Secrets resolves {{secrets.KEY}} references
// in agent config; without it such references fail the call.
type Config struct {
	DefaultTimeout time.Duration
	HTTPClient     *http.Client
	LLM            Backend
	Sandbox        Sandbox
	Secrets        secrets.Resolver
	Logger         *slog.Logger
	Metrics        *metrics.Collector
}

// Dispatcher routes a descriptor to the executor for its agent type.
type Dispatcher struct {
	pipeline *Executor
	http     *Executor
	llm      *Executor
	code     *Executor
	secrets  secrets.Resolver
}

// NewDispatcher builds a dispatcher with every strategy cfg can support.
func NewDispatcher(cfg Config) *Dispatcher {
	opts := []ExecutorOption{
		WithDefaultTimeout(cfg.DefaultTimeout),
		WithLogger(cfg.Logger),
		WithMetrics(cfg.Metrics),
	}
	d := &Dispatcher{
		pipeline: NewExecutor(NewPipelineStrategy(), opts...),
		http:     NewExecutor(NewHTTPStrategy(cfg.HTTPClient), opts...),
		secrets:  cfg.Secrets,
	}
	if cfg.LLM != nil {
		d.llm = NewExecutor(NewLLMStrategy(cfg.LLM), opts...)
	}
	if cfg.Sandbox != nil {
		d.code = NewExecutor(NewCodeStrategy(cfg.Sandbox), opts...)
	}
	return d
}

// NewDispatcherWith builds a dispatcher from explicit executors. Types
// without an executor stay unconfigured.
func NewDispatcherWith(executors ...*Executor) *Dispatcher {
	d := &Dispatcher{}
	for _, e := range executors {
		switch e.Type() {
		case schema.AgentTypeDataPipeline:
			d.pipeline = e
		case schema.AgentTypeHTTP:
			d.http = e
		case schema.AgentTypeLLM:
			d.llm = e
		case schema.AgentTypeCode:
			d.code = e
		}
	}
	return d
}

// Dispatch executes desc with the executor registered for its type.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *schema.AgentDescriptor, inputs map[string]any, rc *schema.ExecutionContext) (*ExecutionResult, error) {
	if desc == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "agent descriptor is required")
	}
	typ, err := schema.ParseAgentType(string(desc.Type))
	if err != nil {
		return nil, err
	}

	var ex *Executor
	switch typ {
	case schema.AgentTypeDataPipeline:
		ex = d.pipeline
	case schema.AgentTypeHTTP:
		ex = d.http
	case schema.AgentTypeLLM:
		ex = d.llm
	case schema.AgentTypeCode:
		ex = d.code
	}
	if ex == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent type %s is not configured", typ)
	}

	normalized := *desc
	normalized.Type = typ
	if normalized.Config, err = secrets.ExpandConfig(ctx, d.secrets, desc.Config); err != nil {
		return nil, err
	}
	return ex.Execute(ctx, &normalized, inputs, rc)
}
