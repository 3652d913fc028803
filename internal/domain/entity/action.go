package entity

import "fmt"

// ActionKind tags the kind of an action. Only tool invocations exist today;
// the tag is kept on the wire so traces stay forward-compatible.
type ActionKind string

const KindTool ActionKind = "tool"

// ActionStatus is the outcome class of an executed action.
type ActionStatus string

const (
	StatusSuccess ActionStatus = "success"
	StatusError   ActionStatus = "error"
	StatusSkipped ActionStatus = "skipped"
)

// Action is a normalized request to invoke one registered tool.
type Action struct {
	Name           string         `json:"name"`
	Args           map[string]any `json:"args,omitempty"`
	Kind           ActionKind     `json:"kind,omitempty"`
	ActionID       string         `json:"action_id,omitempty"`
	TimeoutSeconds float64        `json:"timeout_s,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	Idempotent     bool           `json:"idempotent"`
	Classification string         `json:"classification,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewAction builds a tool action with the contract defaults
// (idempotent, zero retries, "default" classification).
func NewAction(name string, args map[string]any) Action {
	if args == nil {
		args = map[string]any{}
	}
	return Action{
		Name:           name,
		Args:           args,
		Kind:           KindTool,
		Idempotent:     true,
		Classification: "default",
		Metadata:       map[string]any{},
	}
}

// ActionFromMap normalizes a loose map (typically parser output) into an Action.
func ActionFromMap(payload map[string]any) (Action, error) {
	name, _ := payload["name"].(string)
	if name == "" {
		return Action{}, fmt.Errorf("action requires a name")
	}
	args, _ := payload["args"].(map[string]any)
	a := NewAction(name, args)
	if v, ok := payload["kind"].(string); ok && v != "" {
		a.Kind = ActionKind(v)
	}
	if v, ok := payload["action_id"].(string); ok {
		a.ActionID = v
	}
	switch v := payload["timeout_s"].(type) {
	case float64:
		a.TimeoutSeconds = v
	case int:
		a.TimeoutSeconds = float64(v)
	}
	switch v := payload["max_retries"].(type) {
	case float64:
		a.MaxRetries = int(v)
	case int:
		a.MaxRetries = v
	}
	if v, ok := payload["idempotent"].(bool); ok {
		a.Idempotent = v
	}
	if v, ok := payload["classification"].(string); ok && v != "" {
		a.Classification = v
	}
	if v, ok := payload["metadata"].(map[string]any); ok {
		a.Metadata = v
	}
	return a, nil
}

// ToMap renders the action as a plain map for trace serialization.
func (a Action) ToMap() map[string]any {
	return map[string]any{
		"name":           a.Name,
		"args":           a.Args,
		"kind":           string(a.Kind),
		"action_id":      a.ActionID,
		"timeout_s":      a.TimeoutSeconds,
		"max_retries":    a.MaxRetries,
		"idempotent":     a.Idempotent,
		"classification": a.Classification,
		"metadata":       a.Metadata,
	}
}

// ActionResult is the standardized outcome of one executed action.
// Metadata carries tool provenance (tool_name, toolset_name, toolset_version,
// source) plus error_category for failed actions.
type ActionResult struct {
	Name      string         `json:"name"`
	Status    ActionStatus   `json:"status"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ActionID  string         `json:"action_id,omitempty"`
	Attempts  int            `json:"attempts"`
	LatencyMS float64        `json:"latency_ms"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToMap renders the result as a plain map for trace serialization.
func (r ActionResult) ToMap() map[string]any {
	return map[string]any{
		"name":       r.Name,
		"status":     string(r.Status),
		"output":     r.Output,
		"error":      r.Error,
		"action_id":  r.ActionID,
		"attempts":   r.Attempts,
		"latency_ms": r.LatencyMS,
		"metadata":   r.Metadata,
	}
}

// ExecutionPolicy controls how the executor walks an action batch. The
// parallel mode is accepted but executes serially so result ordering stays
// deterministic across runs.
type ExecutionPolicy struct {
	Mode           string // serial | parallel
	FailFast       bool
	MaxConcurrency int
}

// DefaultExecutionPolicy returns the serial reproducible policy.
func DefaultExecutionPolicy() ExecutionPolicy {
	return ExecutionPolicy{Mode: "serial", MaxConcurrency: 4}
}
