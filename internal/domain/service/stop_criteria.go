package service

import (
	"fmt"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// RuntimeInfo is the per-check snapshot handed to stop criteria.
type RuntimeInfo struct {
	ElapsedSeconds float64
	Budget         Budget
	TokensUsed     int64
}

// StopCriteria is one termination predicate, evaluated each step in
// registration order; the first hit wins.
type StopCriteria interface {
	ShouldStop(state entity.AgentState, stepID int, info RuntimeInfo) (bool, entity.StopReason, string)
}

// MaxSteps stops when the step counter reaches the bound.
type MaxSteps struct {
	Max int
}

// ShouldStop implements StopCriteria.
func (c MaxSteps) ShouldStop(_ entity.AgentState, stepID int, _ RuntimeInfo) (bool, entity.StopReason, string) {
	if stepID >= c.Max {
		return true, entity.StopBudgetSteps, fmt.Sprintf("step_id=%d reached max_steps=%d", stepID, c.Max)
	}
	return false, "", ""
}

// MaxRuntime stops when elapsed wall-clock reaches the bound.
type MaxRuntime struct {
	MaxSeconds float64
}

// ShouldStop implements StopCriteria.
func (c MaxRuntime) ShouldStop(_ entity.AgentState, _ int, info RuntimeInfo) (bool, entity.StopReason, string) {
	if info.ElapsedSeconds >= c.MaxSeconds {
		return true, entity.StopBudgetTime,
			fmt.Sprintf("elapsed=%.3fs >= max_runtime_seconds=%.3fs", info.ElapsedSeconds, c.MaxSeconds)
	}
	return false, "", ""
}

// MaxTokens stops when accumulated token usage exceeds the bound.
type MaxTokens struct {
	Max int64
}

// ShouldStop implements StopCriteria.
func (c MaxTokens) ShouldStop(_ entity.AgentState, _ int, info RuntimeInfo) (bool, entity.StopReason, string) {
	if c.Max > 0 && info.TokensUsed > c.Max {
		return true, entity.StopBudgetTokens,
			fmt.Sprintf("tokens_used=%d > max_tokens=%d", info.TokensUsed, c.Max)
	}
	return false, "", ""
}

// FinalResult stops once the state carries a final result.
type FinalResult struct{}

// ShouldStop implements StopCriteria.
func (FinalResult) ShouldStop(state entity.AgentState, _ int, _ RuntimeInfo) (bool, entity.StopReason, string) {
	if state.Base().FinalResult != "" {
		return true, entity.StopFinal, "state.final_result is set"
	}
	return false, "", ""
}

// SignatureFn condenses a state into a comparable stagnation signature.
type SignatureFn func(state entity.AgentState) string

// Stagnation stops after N consecutive identical state signatures.
type Stagnation struct {
	MaxStagnantSteps int
	Signature        SignatureFn

	lastSignature string
	seeded        bool
	stagnant      int
}

// NewStagnation builds the criteria with the default signature
// (final_result + stop_reason).
func NewStagnation(maxStagnantSteps int, signature SignatureFn) *Stagnation {
	if signature == nil {
		signature = func(state entity.AgentState) string {
			base := state.Base()
			return base.FinalResult + "|" + string(base.StopReason)
		}
	}
	return &Stagnation{MaxStagnantSteps: maxStagnantSteps, Signature: signature}
}

// ShouldStop implements StopCriteria.
func (c *Stagnation) ShouldStop(state entity.AgentState, _ int, _ RuntimeInfo) (bool, entity.StopReason, string) {
	signature := c.Signature(state)
	if c.seeded && signature == c.lastSignature {
		c.stagnant++
	} else {
		c.stagnant = 0
		c.lastSignature = signature
		c.seeded = true
	}
	if c.stagnant >= c.MaxStagnantSteps {
		return true, entity.StopStagnation, fmt.Sprintf("stagnant_steps=%d", c.stagnant)
	}
	return false, "", ""
}

// defaultStopCriteria synthesizes the criteria list from a budget.
func defaultStopCriteria(budget Budget) []StopCriteria {
	criteria := []StopCriteria{MaxSteps{Max: budget.MaxSteps}}
	if budget.MaxRuntimeSeconds > 0 {
		criteria = append(criteria, MaxRuntime{MaxSeconds: budget.MaxRuntimeSeconds})
	}
	if budget.MaxTokens > 0 {
		criteria = append(criteria, MaxTokens{Max: budget.MaxTokens})
	}
	criteria = append(criteria, FinalResult{})
	return criteria
}
