package service

import (
	"context"

	"github.com/Qitor/qitos/internal/domain/entity"
	"github.com/Qitor/qitos/internal/domain/memory"
	"github.com/Qitor/qitos/internal/domain/tool"
)

// ModelClient is the external language-model collaborator: chat messages in,
// raw text out. Retries and rate limiting are the client's concern; the
// engine classifies timeouts and connection failures as recoverable model
// errors.
type ModelClient func(ctx context.Context, messages []memory.Message) (string, error)

// AgentModule is the policy contract the engine drives. Decide may return
// (nil, nil) to defer to the built-in model + parser path, in which case the
// agent must also implement Preparer.
type AgentModule interface {
	// InitState creates the initial typed state for a run.
	InitState(task string, options map[string]any) (entity.AgentState, error)

	// Observe builds the step observation from state and the runtime env view.
	Observe(state entity.AgentState, envView map[string]any) (any, error)

	// Decide produces the decision for the current step, or defers.
	Decide(state entity.AgentState, observation any) (*entity.Decision, error)

	// Reduce folds observation, decision, and action results into state.
	Reduce(state entity.AgentState, observation any, decision *entity.Decision, actionResults []any) (entity.AgentState, error)
}

// Preparer builds the user message for the built-in model path.
type Preparer interface {
	Prepare(state entity.AgentState, observation any) string
}

// SystemPrompter optionally contributes a dynamic system prompt.
type SystemPrompter interface {
	BuildSystemPrompt(state entity.AgentState) string
}

// Stopper optionally adds an agent stop condition checked at CHECK_STOP.
type Stopper interface {
	ShouldStop(state entity.AgentState) bool
}

// MemoryQueryBuilder optionally customizes the memory retrieval query used
// to build the env view. The default retrieves a recent window.
type MemoryQueryBuilder interface {
	BuildMemoryQuery(state entity.AgentState, envView map[string]any) map[string]any
}

// BaseAgent carries the tool registry and model client that are held on the
// agent but opaque to its policy logic. Concrete agents embed it.
type BaseAgent struct {
	Registry *tool.Registry
	Model    ModelClient
}

// ToolRegistry returns the agent's registry (may be nil).
func (a *BaseAgent) ToolRegistry() *tool.Registry { return a.Registry }

// ModelClient returns the agent's model client (may be nil).
func (a *BaseAgent) ModelClient() ModelClient { return a.Model }

// registryProvider and modelProvider let the engine discover collaborators
// held on the agent without widening the AgentModule contract.
type registryProvider interface {
	ToolRegistry() *tool.Registry
}

type modelProvider interface {
	ModelClient() ModelClient
}
