package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// PipelineStage is one data operation with its params.
type PipelineStage struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// PipelineConfig is the DATA_PIPELINE agent config: a single stage or an
// ordered list of stages.
type PipelineConfig struct {
	PipelineStage
	Pipeline []PipelineStage `json:"pipeline,omitempty"`
}

// Stages returns the stages to run in order.
func (c PipelineConfig) Stages() []PipelineStage {
	if len(c.Pipeline) > 0 {
		return c.Pipeline
	}
	if c.Operation != "" {
		return []PipelineStage{c.PipelineStage}
	}
	return nil
}

type pipelineOp func(ctx context.Context, p *PipelineStrategy, call *Call, data any, params map[string]any) (any, error)

var pipelineOps map[string]pipelineOp

func init() {
	pipelineOps = map[string]pipelineOp{
		"filter":    opFilter,
		"map":       opMap,
		"reduce":    opReduce,
		"sort":      opSort,
		"group":     opGroup,
		"flatten":   opFlatten,
		"unique":    opUnique,
		"pick":      opPick,
		"omit":      opOmit,
		"merge":     opMerge,
		"join":      opJoin,
		"aggregate": opAggregate,
		"transform": opTransform,
	}
}

// PipelineStrategy transforms inputs.data through a sequence of operations.
type PipelineStrategy struct {
	strategy
	expr     *expressions.ExprEngine
	jq       *expressions.GoJQEngine
	resolver *expressions.Resolver
}

// NewPipelineStrategy creates the DATA_PIPELINE strategy.
func NewPipelineStrategy() *PipelineStrategy {
	return &PipelineStrategy{
		expr:     expressions.NewExprEngine(),
		jq:       expressions.NewGoJQEngine(),
		resolver: expressions.NewResolver(),
	}
}

// Type implements Strategy.
func (p *PipelineStrategy) Type() schema.AgentType { return schema.AgentTypeDataPipeline }

func (p *PipelineStrategy) run(ctx context.Context, call *Call) (any, error) {
	var cfg PipelineConfig
	if err := call.Agent.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	stages := cfg.Stages()
	if len(stages) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent %s: pipeline has no operations", call.Agent.ID)
	}
	for i, st := range stages {
		if _, ok := pipelineOps[st.Operation]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent %s: stage %d: unknown operation %q", call.Agent.ID, i, st.Operation)
		}
	}

	var data any = call.Inputs
	if d, ok := call.Inputs["data"]; ok {
		data = d
	}

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		params := st.Params
		if params == nil {
			params = map[string]any{}
		}
		out, err := pipelineOps[st.Operation](ctx, p, call, data, params)
		if err != nil {
			call.Log(ctx, schema.LogError, fmt.Sprintf("stage %d (%s) failed", i, st.Operation), map[string]any{"error": err.Error()})
			return nil, wrapStageErr(err, i, st.Operation)
		}
		call.Log(ctx, schema.LogDebug, fmt.Sprintf("stage %d (%s) done", i, st.Operation), map[string]any{"size": sizeOf(out)})
		data = out
	}
	return data, nil
}

func wrapStageErr(err error, i int, op string) error {
	code, msg := schema.ErrCodeStepExecution, err.Error()
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		code, msg = fe.Code, fe.Message
	}
	return schema.NewErrorf(code, "stage %d (%s): %s", i, op, msg).WithCause(err)
}

func sizeOf(v any) int {
	switch x := v.(type) {
	case []any:
		return len(x)
	case map[string]any:
		return len(x)
	case nil:
		return 0
	}
	return 1
}

var _ Strategy = (*PipelineStrategy)(nil)
