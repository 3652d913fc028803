package service

import (
	"github.com/Qitor/qitos/internal/domain/entity"
)

// Validator is one state invariant check.
type Validator func(state entity.AgentState) error

// validateStepBounds guards the step counter against the state bound.
func validateStepBounds(state entity.AgentState) error {
	base := state.Base()
	if base.CurrentStep > base.MaxSteps {
		return &entity.StateError{Msg: "current_step exceeds max_steps"}
	}
	return nil
}

// validatePlanCursor guards the plan cursor.
func validatePlanCursor(state entity.AgentState) error {
	base := state.Base()
	if base.Plan.Cursor > len(base.Plan.Steps) {
		return &entity.StateError{Msg: "plan cursor exceeds available plan steps"}
	}
	return nil
}

// validateFinalConsistency requires a final result behind a final stop.
func validateFinalConsistency(state entity.AgentState) error {
	base := state.Base()
	if base.StopReason == entity.StopFinal && base.FinalResult == "" {
		return &entity.StateError{Msg: "stop_reason=final requires final_result"}
	}
	return nil
}

// DefaultValidators is the stock invariant set run by the validation gate.
func DefaultValidators() []Validator {
	return []Validator{validateStepBounds, validatePlanCursor, validateFinalConsistency}
}

// ValidationGate runs the state's own Validate plus the configured
// validators. The engine checks it once at the start of every step.
type ValidationGate struct {
	validators []Validator
}

// NewValidationGate builds a gate, defaulting to DefaultValidators.
func NewValidationGate(validators ...Validator) *ValidationGate {
	if len(validators) == 0 {
		validators = DefaultValidators()
	}
	return &ValidationGate{validators: validators}
}

// Check validates the state against every configured invariant.
func (g *ValidationGate) Check(state entity.AgentState) error {
	if err := state.Base().Validate(); err != nil {
		return err
	}
	for _, validate := range g.validators {
		if err := validate(state); err != nil {
			return err
		}
	}
	return nil
}
