package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Workflow is a named DAG of steps.
type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// StepByKey returns the step with the given key, or nil.
func (w *Workflow) StepByKey(key string) *Step {
	for i := range w.Steps {
		if w.Steps[i].StepKey == key {
			return &w.Steps[i]
		}
	}
	return nil
}

// Step is one node of a workflow. DependsOn lists step keys, never ids.
type Step struct {
	ID           string         `json:"id,omitempty"`
	StepKey      string         `json:"step_key"`
	Type         StepType       `json:"type"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	AgentRef     string         `json:"agent_ref,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	RetryCount   int            `json:"retry_count,omitempty"`
	RetryDelayMs int            `json:"retry_delay_ms,omitempty"`
	TimeoutMs    int            `json:"timeout_ms,omitempty"`
	OnError      OnErrorPolicy  `json:"on_error,omitempty"`
	Position     int            `json:"position,omitempty"`
}

// ErrorPolicy returns the step's policy, defaulting to FAIL.
func (s *Step) ErrorPolicy() OnErrorPolicy {
	if s.OnError == "" {
		return OnErrorFail
	}
	return s.OnError
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAgent     StepType = "AGENT"
	StepTypeCondition StepType = "CONDITION"
	StepTypeLoop      StepType = "LOOP"
	StepTypeParallel  StepType = "PARALLEL"
	StepTypeWait      StepType = "WAIT"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeAgent, StepTypeCondition, StepTypeLoop, StepTypeParallel, StepTypeWait:
		return true
	}
	return false
}

// OnErrorPolicy decides what a step failure does to the run.
type OnErrorPolicy string

const (
	OnErrorFail     OnErrorPolicy = "FAIL"
	OnErrorContinue OnErrorPolicy = "CONTINUE"
	OnErrorRetry    OnErrorPolicy = "RETRY"
)

// Valid reports whether p is a known policy. The empty policy is valid and means FAIL.
func (p OnErrorPolicy) Valid() bool {
	switch p {
	case "", OnErrorFail, OnErrorContinue, OnErrorRetry:
		return true
	}
	return false
}

// AgentType is the closed set of agent strategies.
type AgentType string

const (
	AgentTypeDataPipeline AgentType = "DATA_PIPELINE"
	AgentTypeHTTP         AgentType = "HTTP"
	AgentTypeLLM          AgentType = "LLM"
	AgentTypeCode         AgentType = "CODE"
)

// AgentTypes lists every supported agent type.
var AgentTypes = []AgentType{AgentTypeDataPipeline, AgentTypeHTTP, AgentTypeLLM, AgentTypeCode}

// ParseAgentType maps a stored tag onto the closed AgentType set.
// Matching is case-insensitive and accepts "-" for "_".
func ParseAgentType(tag string) (AgentType, error) {
	norm := AgentType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(tag), "-", "_")))
	for _, t := range AgentTypes {
		if t == norm {
			return t, nil
		}
	}
	return "", NewErrorf(ErrCodeConfiguration, "unknown agent type %q", tag)
}

// AgentDescriptor is a stored agent definition. Config is interpreted by the strategy.
type AgentDescriptor struct {
	ID               string          `json:"id"`
	Name             string          `json:"name,omitempty"`
	Type             AgentType       `json:"type"`
	MaxExecutionTime int             `json:"max_execution_time,omitempty"` // seconds
	Config           json.RawMessage `json:"config,omitempty"`
}

// DecodeConfig unmarshals the descriptor config into v.
// An empty config leaves v untouched.
func (a *AgentDescriptor) DecodeConfig(v any) error {
	if len(a.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(a.Config, v); err != nil {
		return NewErrorf(ErrCodeConfiguration, "agent %s: invalid %s config: %v", a.ID, a.Type, err).WithCause(err)
	}
	return nil
}

// TriggerType records what started an execution. The engine never branches on it.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerAPI       TriggerType = "API"
	TriggerWebhook   TriggerType = "WEBHOOK"
)

func (t TriggerType) String() string {
	if t == "" {
		return string(TriggerManual)
	}
	return string(t)
}

// FormatCycle renders a dependency cycle as "A -> B -> A".
func FormatCycle(path []string) string {
	return strings.Join(path, " -> ")
}

// StepRef formats a step reference for log messages.
func StepRef(key string, attempt int) string {
	if attempt == 0 {
		return key
	}
	return fmt.Sprintf("%s (attempt %d)", key, attempt+1)
}
