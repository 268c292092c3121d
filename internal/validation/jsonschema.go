package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowrun/pkg/schema"
)

const documentSchemaURL = "https://flowrun.dev/schemas/document.json"

// documentSchemaJSON describes an importable document: agents, workflows and
// schedules. Embedded as a constant to avoid filesystem dependencies.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowrun.dev/schemas/document.json",
  "type": "object",
  "properties": {
    "agents": {
      "type": "array",
      "items": { "$ref": "#/$defs/agent" }
    },
    "workflows": {
      "type": "array",
      "items": { "$ref": "#/$defs/workflow" }
    },
    "schedules": {
      "type": "array",
      "items": { "$ref": "#/$defs/schedule" }
    }
  },
  "anyOf": [
    { "required": ["agents"] },
    { "required": ["workflows"] },
    { "required": ["schedules"] }
  ],
  "additionalProperties": false,
  "$defs": {
    "key": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[A-Za-z0-9_.-]+$"
    },
    "agent": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "$ref": "#/$defs/key" },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["DATA_PIPELINE", "HTTP", "LLM", "CODE"]
        },
        "max_execution_time": { "type": "integer", "minimum": 0 },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "workflow": {
      "type": "object",
      "required": ["id", "steps"],
      "properties": {
        "id": { "$ref": "#/$defs/key" },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["step_key", "type"],
      "properties": {
        "id": { "type": "string" },
        "step_key": { "$ref": "#/$defs/key" },
        "type": {
          "type": "string",
          "enum": ["AGENT", "CONDITION", "LOOP", "PARALLEL", "WAIT"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "agent_ref": { "type": "string" },
        "inputs": { "type": "object" },
        "retry_count": { "type": "integer", "minimum": 0 },
        "retry_delay_ms": { "type": "integer", "minimum": 0 },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "on_error": {
          "type": "string",
          "enum": ["FAIL", "CONTINUE", "RETRY"]
        },
        "position": { "type": "integer" }
      },
      "allOf": [
        {
          "if": { "properties": { "type": { "enum": ["AGENT", "LOOP"] } } },
          "then": { "required": ["agent_ref"], "properties": { "agent_ref": { "minLength": 1 } } }
        }
      ],
      "additionalProperties": false
    },
    "schedule": {
      "type": "object",
      "required": ["workflow_id", "cron"],
      "properties": {
        "id": { "type": "string" },
        "workflow_id": { "$ref": "#/$defs/key" },
        "cron": { "type": "string", "minLength": 1 },
        "inputs": { "type": "object" },
        "user_id": { "type": "string" },
        "enabled": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// agentConfigSchemas are the per-type config schemas. Unknown fields are
// allowed so agents can carry annotations.
var agentConfigSchemas = map[schema.AgentType]string{
	schema.AgentTypeHTTP: `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "method": { "type": "string", "pattern": "^[A-Za-z]+$" },
    "url": { "type": "string", "minLength": 1 },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
    "query": { "type": "object" },
    "body_encoding": { "type": "string", "enum": ["json", "form", "text", "raw"] },
    "auth": {
      "type": "object",
      "required": ["type"],
      "properties": { "type": { "type": "string", "enum": ["bearer", "basic", "api_key"] } }
    },
    "timeout_ms": { "type": "integer", "minimum": 0 },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "delay_ms": { "type": "integer", "minimum": 0 },
        "status_codes": { "type": "array", "items": { "type": "integer" } }
      }
    },
    "fail_on_error_status": { "type": "boolean" }
  }
}`,
	schema.AgentTypeLLM: `{
  "type": "object",
  "properties": {
    "model": { "type": "string" },
    "system_prompt": { "type": "string" },
    "prompt": { "type": "string" },
    "temperature": { "type": "number", "minimum": 0, "maximum": 2 },
    "max_tokens": { "type": "integer", "minimum": 0 },
    "parse_json": { "type": "boolean" }
  }
}`,
	schema.AgentTypeCode: `{
  "type": "object",
  "required": ["language", "code"],
  "properties": {
    "language": { "type": "string", "minLength": 1 },
    "code": { "type": "string", "minLength": 1 },
    "timeout_ms": { "type": "integer", "minimum": 0 },
    "env": { "type": "object", "additionalProperties": { "type": "string" } }
  }
}`,
	schema.AgentTypeDataPipeline: `{
  "type": "object",
  "$defs": {
    "stage": {
      "type": "object",
      "required": ["operation"],
      "properties": {
        "operation": { "type": "string", "minLength": 1 },
        "params": { "type": "object" }
      }
    }
  },
  "properties": {
    "operation": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "pipeline": { "type": "array", "items": { "$ref": "#/$defs/stage" } }
  },
  "anyOf": [
    { "required": ["operation"] },
    { "required": ["pipeline"] }
  ]
}`,
}

// JSONSchemaValidator checks documents and agent configs against JSON Schema
// Draft 2020-12. Schemas are compiled once; it is safe for concurrent use.
type JSONSchemaValidator struct {
	documentSchema *jsonschema.Schema
	agentSchemas   map[schema.AgentType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the document and agent config schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	docSchema, err := compileSchema(c, documentSchemaURL, documentSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}

	agentSchemas := make(map[schema.AgentType]*jsonschema.Schema, len(agentConfigSchemas))
	for typ, src := range agentConfigSchemas {
		url := "https://flowrun.dev/schemas/agent-config/" + strings.ToLower(string(typ)) + ".json"
		s, err := compileSchema(c, url, src)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", typ, err)
		}
		agentSchemas[typ] = s
	}

	return &JSONSchemaValidator{documentSchema: docSchema, agentSchemas: agentSchemas}, nil
}

// ValidateDocument validates a decoded document (JSON or YAML) against the
// document schema.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "document is empty")
	}
	inst, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := v.documentSchema.Validate(inst); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateAgentConfig validates an agent's raw config against the schema for
// its type. An empty config is checked as an empty object.
func (v *JSONSchemaValidator) ValidateAgentConfig(typ schema.AgentType, config json.RawMessage) error {
	s, ok := v.agentSchemas[typ]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown agent type %q", typ)
	}
	raw := string(config)
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "agent config is not valid JSON").WithCause(err)
	}
	if err := s.Validate(inst); err != nil {
		return toFlowError(err)
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

func compileSchema(c *jsonschema.Compiler, url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
