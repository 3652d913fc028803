package entity

import "fmt"

// DecisionMode discriminates the Decision union.
type DecisionMode string

const (
	ModeAct    DecisionMode = "act"    // execute one or more tool actions
	ModeFinal  DecisionMode = "final"  // terminate the run with an answer
	ModeWait   DecisionMode = "wait"   // consume a step without side effects
	ModeBranch DecisionMode = "branch" // choose among candidate decisions
)

// Decision is the normalized intent for one step. Exactly one mode is set;
// Validate enforces the per-mode field requirements.
type Decision struct {
	Mode        DecisionMode   `json:"mode"`
	Actions     []Action       `json:"actions,omitempty"`
	FinalAnswer string         `json:"final_answer,omitempty"`
	Rationale   string         `json:"rationale,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	Candidates  []*Decision    `json:"candidates,omitempty"`
}

// Act builds an act-mode decision.
func Act(actions []Action, rationale string) *Decision {
	return &Decision{Mode: ModeAct, Actions: actions, Rationale: rationale, Meta: map[string]any{}}
}

// Final builds a final-mode decision.
func Final(answer, rationale string) *Decision {
	return &Decision{Mode: ModeFinal, FinalAnswer: answer, Rationale: rationale, Meta: map[string]any{}}
}

// Wait builds a wait-mode decision.
func Wait(rationale string) *Decision {
	return &Decision{Mode: ModeWait, Rationale: rationale, Meta: map[string]any{}}
}

// Branch builds a branch-mode decision over candidate decisions.
func Branch(candidates []*Decision, rationale string) *Decision {
	return &Decision{Mode: ModeBranch, Candidates: candidates, Rationale: rationale, Meta: map[string]any{}}
}

// Validate checks the mode-specific field requirements. Candidates of a
// branch decision are validated recursively and must not themselves branch.
func (d *Decision) Validate() error {
	switch d.Mode {
	case ModeAct:
		if len(d.Actions) == 0 {
			return fmt.Errorf("decision mode %q requires non-empty actions", ModeAct)
		}
	case ModeFinal:
		if d.FinalAnswer == "" {
			return fmt.Errorf("decision mode %q requires final_answer", ModeFinal)
		}
	case ModeWait:
		// no required fields
	case ModeBranch:
		if len(d.Candidates) == 0 {
			return fmt.Errorf("decision mode %q requires candidates", ModeBranch)
		}
		for i, c := range d.Candidates {
			if c == nil {
				return fmt.Errorf("branch candidate %d is nil", i)
			}
			if c.Mode == ModeBranch {
				return fmt.Errorf("branch candidate %d must not itself branch", i)
			}
			if err := c.Validate(); err != nil {
				return fmt.Errorf("branch candidate %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown decision mode: %q", d.Mode)
	}
	return nil
}

// Score reads the candidate score from Meta, used by search adapters.
// Returns the fallback when Meta carries no numeric score.
func (d *Decision) Score(key string, fallback float64) float64 {
	if d.Meta == nil {
		return fallback
	}
	switch v := d.Meta[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// ToMap renders the decision as a plain map for trace serialization.
func (d *Decision) ToMap() map[string]any {
	if d == nil {
		return nil
	}
	actions := make([]any, 0, len(d.Actions))
	for _, a := range d.Actions {
		actions = append(actions, a.ToMap())
	}
	out := map[string]any{
		"mode":         string(d.Mode),
		"rationale":    d.Rationale,
		"final_answer": d.FinalAnswer,
		"meta":         d.Meta,
		"actions":      actions,
	}
	if len(d.Candidates) > 0 {
		candidates := make([]any, 0, len(d.Candidates))
		for _, c := range d.Candidates {
			candidates = append(candidates, c.ToMap())
		}
		out["candidates"] = candidates
	}
	return out
}
