package entity

import "fmt"

// Plan statuses.
const (
	PlanIdle      = "idle"
	PlanExecuting = "executing"
	PlanCompleted = "completed"
)

// PlanState is the structured plan carried for planner-executor agents.
// Agents that do not plan leave it idle with no steps.
type PlanState struct {
	Steps  []string `json:"steps"`
	Cursor int      `json:"cursor"`
	Status string   `json:"status"`
}

// NewPlanState returns an idle empty plan.
func NewPlanState() PlanState {
	return PlanState{Steps: []string{}, Cursor: 0, Status: PlanIdle}
}

// AgentState is what the engine requires of any run state: access to the
// canonical base fields plus a map rendering for state diffing. Custom agent
// states embed *State by composition and may extend ToMap with their own
// fields.
type AgentState interface {
	Base() *State
	ToMap() map[string]any
}

// State is the canonical typed state base carried across steps. It is
// created by AgentModule.InitState, mutated by Reduce and by the
// engine-controlled terminal transitions (SetStop, AdvanceStep), and never
// shared across runs.
type State struct {
	SchemaVersion int            `json:"schema_version"`
	Task          string         `json:"task"`
	CurrentStep   int            `json:"current_step"`
	MaxSteps      int            `json:"max_steps"`
	FinalResult   string         `json:"final_result,omitempty"`
	StopReason    StopReason     `json:"stop_reason,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	Memory        map[string]any `json:"memory"`
	Metrics       map[string]any `json:"metrics"`
	Plan          PlanState      `json:"plan"`
}

// NewState builds a base state for a run. It does not validate its
// arguments; call Validate to check the invariants.
func NewState(task string, maxSteps int) *State {
	return &State{
		SchemaVersion: 1,
		Task:          task,
		MaxSteps:      maxSteps,
		Metadata:      map[string]any{},
		Memory:        map[string]any{},
		Metrics:       map[string]any{},
		Plan:          NewPlanState(),
	}
}

// Base implements AgentState.
func (s *State) Base() *State { return s }

// ToMap implements AgentState. Embedders extend the returned map.
func (s *State) ToMap() map[string]any {
	steps := make([]any, 0, len(s.Plan.Steps))
	for _, st := range s.Plan.Steps {
		steps = append(steps, st)
	}
	return map[string]any{
		"schema_version": s.SchemaVersion,
		"task":           s.Task,
		"current_step":   s.CurrentStep,
		"max_steps":      s.MaxSteps,
		"final_result":   s.FinalResult,
		"stop_reason":    string(s.StopReason),
		"metadata":       s.Metadata,
		"memory":         s.Memory,
		"metrics":        s.Metrics,
		"plan": map[string]any{
			"steps":  steps,
			"cursor": s.Plan.Cursor,
			"status": s.Plan.Status,
		},
	}
}

// stateFields is the closed set of base fields, used for strict decoding.
var stateFields = map[string]bool{
	"schema_version": true, "task": true, "current_step": true,
	"max_steps": true, "final_result": true, "stop_reason": true,
	"metadata": true, "memory": true, "metrics": true, "plan": true,
}

// StateFromMap rebuilds a base state from its map rendering. In strict mode
// unknown keys are rejected.
func StateFromMap(payload map[string]any, strict bool) (*State, error) {
	if strict {
		for k := range payload {
			if !stateFields[k] {
				return nil, &StateError{Msg: fmt.Sprintf("unknown state field: %q", k)}
			}
		}
	}
	s := NewState(asString(payload["task"]), 10)
	if v, ok := asInt(payload["schema_version"]); ok {
		s.SchemaVersion = v
	}
	if v, ok := asInt(payload["current_step"]); ok {
		s.CurrentStep = v
	}
	if v, ok := asInt(payload["max_steps"]); ok {
		s.MaxSteps = v
	}
	s.FinalResult = asString(payload["final_result"])
	s.StopReason = StopReason(asString(payload["stop_reason"]))
	if v, ok := payload["metadata"].(map[string]any); ok {
		s.Metadata = v
	}
	if v, ok := payload["memory"].(map[string]any); ok {
		s.Memory = v
	}
	if v, ok := payload["metrics"].(map[string]any); ok {
		s.Metrics = v
	}
	if plan, ok := payload["plan"].(map[string]any); ok {
		if steps, ok := plan["steps"].([]any); ok {
			s.Plan.Steps = s.Plan.Steps[:0]
			for _, item := range steps {
				s.Plan.Steps = append(s.Plan.Steps, asString(item))
			}
		}
		if v, ok := asInt(plan["cursor"]); ok {
			s.Plan.Cursor = v
		}
		if v := asString(plan["status"]); v != "" {
			s.Plan.Status = v
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate enforces the structural invariants of the base state.
func (s *State) Validate() error {
	if s.CurrentStep < 0 {
		return &StateError{Msg: "current_step must be >= 0"}
	}
	if s.MaxSteps <= 0 {
		return &StateError{Msg: "max_steps must be > 0"}
	}
	if s.CurrentStep > s.MaxSteps {
		return &StateError{Msg: fmt.Sprintf("current_step=%d cannot exceed max_steps=%d", s.CurrentStep, s.MaxSteps)}
	}
	if s.StopReason != "" && !ValidStopReason(s.StopReason) {
		return &StateError{Msg: fmt.Sprintf("invalid stop_reason: %q", s.StopReason)}
	}
	if s.Plan.Cursor < 0 {
		return &StateError{Msg: "plan.cursor must be >= 0"}
	}
	switch s.Plan.Status {
	case PlanIdle, PlanExecuting, PlanCompleted:
	default:
		return &StateError{Msg: fmt.Sprintf("plan.status must be idle/executing/completed, got %q", s.Plan.Status)}
	}
	if s.Plan.Cursor > len(s.Plan.Steps) {
		return &StateError{Msg: "plan.cursor cannot exceed number of plan steps"}
	}
	return nil
}

// SetStop records a terminal transition. Callers pass enum members; an
// invalid reason is caught by the next validation gate.
func (s *State) SetStop(reason StopReason, finalResult string) {
	s.StopReason = reason
	if finalResult != "" {
		s.FinalResult = finalResult
	}
}

// AdvanceStep increments the step counter, keeping the bounds invariant.
func (s *State) AdvanceStep() error {
	s.CurrentStep++
	return s.Validate()
}

// MarkPlanExecuting installs a plan and moves it to executing.
func (s *State) MarkPlanExecuting(steps []string) {
	s.Plan.Steps = append([]string{}, steps...)
	s.Plan.Cursor = 0
	if len(steps) > 0 {
		s.Plan.Status = PlanExecuting
	} else {
		s.Plan.Status = PlanIdle
	}
}

// MarkPlanStepDone advances the plan cursor, completing the plan at the end.
func (s *State) MarkPlanStepDone() {
	if s.Plan.Cursor < len(s.Plan.Steps) {
		s.Plan.Cursor++
	}
	if len(s.Plan.Steps) > 0 && s.Plan.Cursor >= len(s.Plan.Steps) {
		s.Plan.Status = PlanCompleted
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
