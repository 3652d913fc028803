package service

import (
	"fmt"
	"time"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// Phase is one stage of the engine's step state machine.
type Phase string

const (
	PhaseInit      Phase = "INIT"
	PhaseObserve   Phase = "OBSERVE"
	PhaseDecide    Phase = "DECIDE"
	PhaseAct       Phase = "ACT"
	PhaseReduce    Phase = "REDUCE"
	PhaseCritic    Phase = "CRITIC"
	PhaseCheckStop Phase = "CHECK_STOP"
	PhaseEnd       Phase = "END"

	// Error phases interleave with the canonical ordering.
	PhaseDecideError Phase = "DECIDE_ERROR"
	PhaseActError    Phase = "ACT_ERROR"
	PhaseRecover     Phase = "RECOVER"
)

// validTransitions defines the allowed phase transitions within a step.
// Key = from phase, value = set of allowed target phases.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseInit: {
		PhaseObserve: true,
		PhaseRecover: true, // pre-step validation gate failure
		PhaseEnd:     true, // task validation failure, zero-step budgets
	},
	PhaseObserve: {
		PhaseDecide:  true,
		PhaseRecover: true,
		PhaseEnd:     true,
	},
	PhaseDecide: {
		PhaseAct:         true,
		PhaseDecideError: true,
	},
	PhaseDecideError: {
		PhaseRecover: true,
	},
	PhaseAct: {
		PhaseReduce:   true,
		PhaseActError: true,
	},
	PhaseActError: {
		PhaseRecover: true,
	},
	PhaseReduce: {
		PhaseCritic:  true,
		PhaseRecover: true,
	},
	PhaseCritic: {
		PhaseCheckStop: true,
		PhaseObserve:   true, // critic retry re-observes on the next step
		PhaseEnd:       true, // critic stop
	},
	PhaseCheckStop: {
		PhaseObserve: true,
		PhaseRecover: true, // pre-step validation gate failure
		PhaseEnd:     true,
	},
	PhaseRecover: {
		PhaseObserve: true, // recovered, next step
		PhaseEnd:     true, // recovery exhausted or non-recoverable
	},
	// Terminal
	PhaseEnd: {},
}

// phaseMachine tracks the current phase and rejects out-of-order
// transitions. One instance lives per Engine.Run invocation.
type phaseMachine struct {
	current Phase
}

func newPhaseMachine() *phaseMachine {
	return &phaseMachine{current: PhaseInit}
}

// transition moves to the target phase, failing on ordering violations.
func (m *phaseMachine) transition(to Phase) error {
	allowed, ok := validTransitions[m.current]
	if !ok || !allowed[to] {
		return fmt.Errorf("invalid phase transition %s -> %s", m.current, to)
	}
	m.current = to
	return nil
}

// Budget bounds one run: steps always, wall-clock and tokens when positive.
type Budget struct {
	MaxSteps          int
	MaxRuntimeSeconds float64
	MaxTokens         int64
}

// DefaultBudget is used when the engine is constructed without one.
func DefaultBudget() Budget {
	return Budget{MaxSteps: 10}
}

// Event is one runtime phase event, mirrored into the trace.
type Event struct {
	StepID  int            `json:"step_id"`
	Phase   Phase          `json:"phase"`
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload"`
	Error   string         `json:"error,omitempty"`
	TS      time.Time      `json:"ts"`
}

// StepRecord aggregates everything observed in one step.
type StepRecord struct {
	StepID          int
	PhaseEvents     []Event
	Observation     any
	Decision        *entity.Decision
	Actions         []entity.Action
	ActionResults   []any
	ToolInvocations []map[string]any
	CriticOutputs   []map[string]any
	StateDiff       map[string]any
}
