package validation

import (
	"errors"

	"github.com/botflow-dev/botflow/pkg/schema"
)

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Document shape (JSON Schema)
// 2. Structural (duplicate ids, endpoint refs, event incoming-edge invariant)
// 3. Semantic (edge completeness, bounds, reachability) — warnings mostly
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewFlowValidator creates a FlowValidator with the flow schema compiled.
func NewFlowValidator() (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Shape and structural errors short-circuit: the semantic stage only runs on
// a structurally sound flow.
func (fv *FlowValidator) Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow definition is nil")
		return r
	}

	result := validateShape(fv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateStructural(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))
	return result
}

// ValidateDefinition returns an error when the flow must be rejected at
// registration, nil when it is runnable (warnings allowed).
func (fv *FlowValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	return fv.Validate(def).ToError()
}

// validateShape wraps the JSON Schema stage, converting its error output
// into a ValidationResult.
func validateShape(v *JSONSchemaValidator, def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var ferr *schema.FlowError
	if !errors.As(err, &ferr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if ferr.Details != nil {
		if violations, ok := ferr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, ferr.Message)
	return result
}
