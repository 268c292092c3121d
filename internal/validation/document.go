package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// Document is an importable bundle of agents, workflows and cron schedules.
type Document struct {
	Agents    []schema.AgentDescriptor `json:"agents,omitempty"`
	Workflows []schema.Workflow        `json:"workflows,omitempty"`
	Schedules []Schedule               `json:"schedules,omitempty"`
}

// Schedule declares a cron trigger for a workflow. Enabled defaults to true.
type Schedule struct {
	ID         string         `json:"id,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	Cron       string         `json:"cron"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
}

// Job converts the schedule into a store record. NextRunAt is left for the
// scheduler to compute.
func (s Schedule) Job() *store.ScheduledJob {
	enabled := s.Enabled == nil || *s.Enabled
	return &store.ScheduledJob{
		ID:             s.ID,
		WorkflowID:     s.WorkflowID,
		CronExpression: s.Cron,
		Inputs:         s.Inputs,
		UserID:         s.UserID,
		Enabled:        enabled,
	}
}

// Format is the encoding of a document on disk.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension. Anything that is not
// .yaml or .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode parses raw bytes into a generic document tree suitable for schema
// validation.
func Decode(data []byte, format Format) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "document is empty")
	}
	var raw any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML document").WithCause(err)
		}
		normalized, err := normalizeYAML(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		raw = normalized
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid JSON document").WithCause(err)
		}
	}
	return raw, nil
}

// toDocument converts a schema-valid generic tree into a typed Document.
func toDocument(raw any) (*Document, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	for i := range doc.Workflows {
		for j := range doc.Workflows[i].Steps {
			if doc.Workflows[i].Steps[j].Position == 0 {
				doc.Workflows[i].Steps[j].Position = j
			}
		}
	}
	return &doc, nil
}

// normalizeYAML converts map[any]any nodes, which JSON cannot encode, into
// map[string]any.
func normalizeYAML(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string map key %v", k)
			}
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case []any:
		for i, val := range t {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}
