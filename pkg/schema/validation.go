package schema

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationStage names the document validation pass that reported an issue.
// Stages run in order; a structure failure stops the later two.
type ValidationStage string

const (
	StageStructure ValidationStage = "structure"
	StageSemantic  ValidationStage = "semantic"
	StageGraph     ValidationStage = "graph"
)

// ValidationSeverity is error or warning. Only errors make a document invalid.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow document. Path is the
// document path (workflows[0].steps[2].agent_ref); WorkflowID and StepKey
// name the same location by identity when the issue belongs to one.
type ValidationIssue struct {
	Stage      ValidationStage    `json:"stage"`
	Path       string             `json:"path"`
	WorkflowID string             `json:"workflow_id,omitempty"`
	StepKey    string             `json:"step_key,omitempty"`
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Severity   ValidationSeverity `json:"severity"`
}

// Where describes the issue location by workflow and step when known,
// falling back to the document path.
func (i ValidationIssue) Where() string {
	switch {
	case i.WorkflowID != "" && i.StepKey != "":
		return fmt.Sprintf("workflow %s step %s", i.WorkflowID, i.StepKey)
	case i.WorkflowID != "":
		return "workflow " + i.WorkflowID
	case i.Path != "":
		return i.Path
	}
	return "/"
}

// ValidationResult collects the issues of every stage run over a document.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no stage found an error.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Stage returns a scope that records issues for stage s.
func (r *ValidationResult) Stage(s ValidationStage) IssueScope {
	return IssueScope{result: r, stage: s}
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// FailedStages lists the stages that reported errors, in pipeline order.
func (r *ValidationResult) FailedStages() []ValidationStage {
	var out []ValidationStage
	for _, s := range []ValidationStage{StageStructure, StageSemantic, StageGraph} {
		if slices.ContainsFunc(r.Errors, func(i ValidationIssue) bool { return i.Stage == s }) {
			out = append(out, s)
		}
	}
	return out
}

// ForWorkflow returns the issues located in workflow id.
func (r *ValidationResult) ForWorkflow(id string) *ValidationResult {
	in := func(i ValidationIssue) bool { return i.WorkflowID == id }
	out := &ValidationResult{}
	for _, i := range r.Errors {
		if in(i) {
			out.Errors = append(out.Errors, i)
		}
	}
	for _, i := range r.Warnings {
		if in(i) {
			out.Warnings = append(out.Warnings, i)
		}
	}
	return out
}

// ToError returns nil for a valid document, otherwise a VALIDATION_ERROR
// naming the first error's location and carrying every issue in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]
	msg := fmt.Sprintf("%s: %s", first.Where(), first.Message)
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, n-1)
	}

	stages := make([]string, 0, 3)
	for _, s := range r.FailedStages() {
		stages = append(stages, string(s))
	}
	return NewError(ErrCodeValidation, msg).
		WithStep(first.StepKey).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"failed_stages": strings.Join(stages, ","),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// IssueScope records issues for one stage, optionally pinned to a workflow
// and step. Scopes are values; Workflow and Step return narrowed copies.
type IssueScope struct {
	result     *ValidationResult
	stage      ValidationStage
	workflowID string
	stepKey    string
}

// Workflow narrows the scope to workflow id.
func (s IssueScope) Workflow(id string) IssueScope {
	s.workflowID, s.stepKey = id, ""
	return s
}

// Step narrows the scope to step key of the current workflow.
func (s IssueScope) Step(key string) IssueScope {
	s.stepKey = key
	return s
}

// Error records an error at path.
func (s IssueScope) Error(path, code, message string) {
	s.result.Errors = append(s.result.Errors, s.issue(path, code, message, SeverityError))
}

// Warn records a warning at path.
func (s IssueScope) Warn(path, code, message string) {
	s.result.Warnings = append(s.result.Warnings, s.issue(path, code, message, SeverityWarning))
}

func (s IssueScope) issue(path, code, message string, sev ValidationSeverity) ValidationIssue {
	return ValidationIssue{
		Stage:      s.stage,
		Path:       path,
		WorkflowID: s.workflowID,
		StepKey:    s.stepKey,
		Code:       code,
		Message:    message,
		Severity:   sev,
	}
}
