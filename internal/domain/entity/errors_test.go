package entity

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// === Classification ===

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		phase           string
		wantCategory    ErrorCategory
		wantRecoverable bool
	}{
		{
			name:            "preclassified runtime error passes through",
			err:             NewRuntimeError(ErrParse, "DECIDE", 3, true, errors.New("bad json")),
			phase:           "ACT",
			wantCategory:    ErrParse,
			wantRecoverable: true,
		},
		{
			name:         "state error is non-recoverable",
			err:          &StateError{Msg: "current_step exceeds max_steps"},
			phase:        "REDUCE",
			wantCategory: ErrState,
		},
		{
			name:            "deadline in decide is model error",
			err:             context.DeadlineExceeded,
			phase:           "decide",
			wantCategory:    ErrModel,
			wantRecoverable: true,
		},
		{
			name:            "parser-shaped message is parse error",
			err:             fmt.Errorf("react parser: no action found"),
			phase:           "DECIDE",
			wantCategory:    ErrParse,
			wantRecoverable: true,
		},
		{
			name:            "act phase failure is tool error",
			err:             errors.New("boom"),
			phase:           "ACT",
			wantCategory:    ErrTool,
			wantRecoverable: true,
		},
		{
			name:         "everything else is system error",
			err:          errors.New("boom"),
			phase:        "REDUCE",
			wantCategory: ErrSystem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Classify(tt.err, tt.phase, 5)
			if info.Category != tt.wantCategory {
				t.Errorf("category = %s, want %s", info.Category, tt.wantCategory)
			}
			if info.Recoverable != tt.wantRecoverable {
				t.Errorf("recoverable = %v, want %v", info.Recoverable, tt.wantRecoverable)
			}
		})
	}
}

// === Stop reasons ===

func TestValidStopReason(t *testing.T) {
	for _, reason := range []StopReason{
		StopSuccess, StopFinal, StopMaxSteps, StopBudgetSteps, StopBudgetTime,
		StopBudgetTokens, StopAgentCondition, StopEnvTerminal, StopCriticStop,
		StopTaskValidationFailed, StopStagnation, StopUnrecoverable,
	} {
		if !ValidStopReason(reason) {
			t.Errorf("%q should be valid", reason)
		}
	}
	if ValidStopReason("made_up") {
		t.Error("unknown reason accepted")
	}
}

func TestRuntimeErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := NewRuntimeError(ErrTool, "ACT", 0, true, inner)
	if !errors.Is(err, inner) {
		t.Error("RuntimeError should unwrap to the inner error")
	}
}
