package validation

import (
	"context"
	"errors"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// DocumentValidator runs the document through three stages in order:
// structure (JSON Schema), semantic (ids, agent configs and refs, step
// inputs, cron) and graph (engine graph rules, cross-step references).
// Issues carry their stage and the workflow/step they belong to.
type DocumentValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     store.AgentLoader
}

// NewDocumentValidator creates a DocumentValidator. agents may be nil to
// resolve agent references against the document only.
func NewDocumentValidator(agents store.AgentLoader) (*DocumentValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DocumentValidator{jsonSchema: jsv, agents: agents}, nil
}

// Validate runs the full pipeline over a decoded document tree. The typed
// document is returned whenever the structural stage passes, even if later
// stages report errors. Structural errors short-circuit.
func (v *DocumentValidator) Validate(ctx context.Context, raw any) (*Document, *schema.ValidationResult) {
	result := validateStructural(v.jsonSchema, raw)
	if !result.Valid() {
		return nil, result
	}

	doc, err := toDocument(raw)
	if err != nil {
		result.Stage(schema.StageStructure).Error("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}

	result.Merge(validateSemantic(ctx, doc, v.jsonSchema, v.agents))
	result.Merge(validateDAG(doc))
	return doc, result
}

// ValidateBytes decodes data in the given format and validates it.
func (v *DocumentValidator) ValidateBytes(ctx context.Context, data []byte, format Format) (*Document, *schema.ValidationResult) {
	raw, err := Decode(data, format)
	if err != nil {
		r := &schema.ValidationResult{}
		r.Stage(schema.StageStructure).Error("/", schema.ErrCodeValidation, messageOf(err))
		return nil, r
	}
	return v.Validate(ctx, raw)
}

// validateStructural wraps JSONSchemaValidator.ValidateDocument, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, raw any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	structure := result.Stage(schema.StageStructure)

	err := v.ValidateDocument(raw)
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		structure.Error("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			structure.Error("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	structure.Error("/", schema.ErrCodeValidation, fe.Message)
	return result
}
