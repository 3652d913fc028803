package env

import (
	"context"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// Observation is a snapshot of the environment handed to the agent.
type Observation struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepResult is the outcome of applying one decision to the environment.
type StepResult struct {
	Observation Observation    `json:"observation"`
	Done        bool           `json:"done"`
	Reward      float64        `json:"reward,omitempty"`
	Info        map[string]any `json:"info,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ToMap renders the step result for traces and env views.
func (r *StepResult) ToMap() map[string]any {
	if r == nil {
		return nil
	}
	return map[string]any{
		"observation": map[string]any{"data": r.Observation.Data, "metadata": r.Observation.Metadata},
		"done":        r.Done,
		"reward":      r.Reward,
		"info":        r.Info,
		"error":       r.Error,
	}
}

// StepInput is what the engine feeds to Env.Step after ACT: the decision
// mode, the executed actions and their results, and the final answer when
// the decision was terminal.
type StepInput struct {
	DecisionMode  string          `json:"decision_mode"`
	Actions       []entity.Action `json:"actions"`
	FinalAnswer   string          `json:"final_answer,omitempty"`
	ActionResults []any           `json:"action_results"`
}

// Env is the external side-effect surface. Implementations expose their
// capabilities as named ops groups ("file", "process", "web_browser", ...);
// tools declare what they need via ToolSpec.RequiredOps and the executor
// resolves the groups at dispatch time.
type Env interface {
	// Name and Version identify the environment in every env view.
	Name() string
	Version() string

	// Reset prepares the environment for a new run and returns the first
	// observation. Task may be nil for plain-string tasks.
	Reset(ctx context.Context, task *entity.Task, workspace string) (Observation, error)

	// Observe returns the current observation without side effects.
	Observe(ctx context.Context, state entity.AgentState) (Observation, error)

	// Step applies one decision's outcome to the environment.
	Step(ctx context.Context, input StepInput, state entity.AgentState) (*StepResult, error)

	// IsTerminal reports whether the environment reached a terminal state.
	IsTerminal(state entity.AgentState, lastResult *StepResult) bool

	// Ops returns the named capability group, or nil when unsupported.
	Ops(group string) any

	// Close releases environment resources. Idempotent.
	Close() error
}

// Identity renders the env identity payload serialized into env views.
func Identity(e Env) map[string]any {
	if e == nil {
		return map[string]any{"enabled": false, "name": nil, "version": nil}
	}
	return map[string]any{"enabled": true, "name": e.Name(), "version": e.Version()}
}
