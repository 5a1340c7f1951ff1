package definition

import (
	"fmt"

	"github.com/pitabwire/encounters/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally and against the validator
// registry.
type Validator struct {
	known func(id string) bool
}

// NewValidator creates a Validator. known reports whether a validator id is
// registered; nil skips that check.
func NewValidator(known func(id string) bool) *Validator {
	return &Validator{known: known}
}

// Validate checks all definitions and returns every problem found.
func (v *Validator) Validate(defs []model.Definition) []VError {
	var errs []VError
	seen := make(map[string]int, len(defs))

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.Key != "" {
			prefix = fmt.Sprintf("definitions[%s]", def.Key)
		}
		errs = append(errs, v.validateDefinition(prefix, def)...)

		if def.Key == "" {
			continue
		}
		if first, dup := seen[def.Key]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".key",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("key %q already defined by definition %d (%s)", def.Key, first, defs[first].SourceFile),
			})
			continue
		}
		seen[def.Key] = i
	}
	return errs
}

func (v *Validator) validateDefinition(prefix string, def model.Definition) []VError {
	var errs []VError

	if def.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: "REQUIRED", Message: "key is required"})
	}
	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
	}

	dupStates := make(map[string]bool, len(def.States))
	for _, s := range def.States {
		if dupStates[s] {
			errs = append(errs, VError{Path: prefix + ".states", Code: "DUPLICATE", Message: fmt.Sprintf("state %q declared twice", s)})
		}
		dupStates[s] = true
	}

	for _, problem := range model.ValidateDefinitionGraph(def.States, def.Transitions, def.InitialState, def.TerminalStates) {
		errs = append(errs, VError{Path: prefix, Code: model.ErrInvalidDefinition, Message: problem})
	}

	if v.known != nil {
		for i, id := range def.ValidatorIDs {
			if !v.known(id) {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.validators[%d]", prefix, i),
					Code:    model.ErrValidatorNotFound,
					Message: fmt.Sprintf("validator %q is not registered", id),
				})
			}
		}
	}

	return errs
}

// AsError folds validation errors into one INVALID_DEFINITION error, or nil.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	reasons := make([]string, len(errs))
	for i, e := range errs {
		reasons[i] = e.Error()
	}
	return &model.ErrorEnvelope{
		Code:    model.ErrInvalidDefinition,
		Message: fmt.Sprintf("%d definition problem(s)", len(errs)),
		Reasons: reasons,
	}
}
