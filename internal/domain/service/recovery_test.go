package service

import (
	"errors"
	"testing"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// === Recovery arbitration ===

func TestRecoveryPolicy_RecoverableContinues(t *testing.T) {
	p := NewRecoveryPolicy(nil)
	err := entity.NewRuntimeError(entity.ErrParse, "DECIDE", 0, true, errors.New("bad output"))

	decision := p.Handle(PhaseDecide, 0, err)
	if !decision.ContinueRun {
		t.Errorf("recoverable error should continue, got %+v", decision)
	}

	report := p.FailureReport(entity.StopFinal)
	if report["failure_count"] != 1 {
		t.Errorf("failure_count = %v, want 1", report["failure_count"])
	}
	failures := report["failures"].([]any)
	first := failures[0].(map[string]any)
	if first["category"] != "parse_error" || first["decision"] != "continue" {
		t.Errorf("diagnostic wrong: %v", first)
	}
	if first["recommendation"] == "" {
		t.Error("diagnostic should carry a recommendation")
	}
}

func TestRecoveryPolicy_NonRecoverableStops(t *testing.T) {
	p := NewRecoveryPolicy(nil)
	decision := p.Handle(PhaseReduce, 2, &entity.StateError{Msg: "state corrupted"})

	if decision.ContinueRun {
		t.Error("state error should stop the run")
	}
	if decision.StopReason != entity.StopUnrecoverable {
		t.Errorf("stop reason = %v", decision.StopReason)
	}
}

func TestRecoveryPolicy_BudgetExhausted(t *testing.T) {
	p := NewRecoveryPolicy(nil)
	recoverable := entity.NewRuntimeError(entity.ErrModel, "DECIDE", 0, true, errors.New("timeout"))

	for i := 0; i < 3; i++ {
		if d := p.Handle(PhaseDecide, i, recoverable); !d.ContinueRun {
			t.Fatalf("recovery %d should succeed", i)
		}
	}
	d := p.Handle(PhaseDecide, 3, recoverable)
	if d.ContinueRun {
		t.Error("fourth recovery should exceed the default budget")
	}
	if d.StopReason != entity.StopUnrecoverable || d.Note != "max_recovery_exhausted" {
		t.Errorf("exhausted decision wrong: %+v", d)
	}

	report := p.FailureReport(entity.StopUnrecoverable)
	if report["failure_count"] != 4 {
		t.Errorf("all failures should be recorded, got %v", report["failure_count"])
	}
}

func TestRecoveryPolicy_Reset(t *testing.T) {
	p := NewRecoveryPolicy(nil)
	recoverable := entity.NewRuntimeError(entity.ErrTool, "ACT", 0, true, errors.New("x"))
	for i := 0; i < 3; i++ {
		p.Handle(PhaseAct, i, recoverable)
	}
	p.Reset()
	if d := p.Handle(PhaseAct, 0, recoverable); !d.ContinueRun {
		t.Error("reset should restore the recovery budget")
	}
	if report := p.FailureReport(""); report["failure_count"] != 1 {
		t.Errorf("reset should clear diagnostics, got %v", report["failure_count"])
	}
}

// === Phase machine ===

func TestPhaseMachine_CanonicalOrdering(t *testing.T) {
	m := newPhaseMachine()
	for _, phase := range []Phase{PhaseObserve, PhaseDecide, PhaseAct, PhaseReduce, PhaseCritic, PhaseCheckStop, PhaseObserve} {
		if err := m.transition(phase); err != nil {
			t.Fatalf("transition to %s: %v", phase, err)
		}
	}
}

func TestPhaseMachine_RejectsOutOfOrder(t *testing.T) {
	m := newPhaseMachine()
	if err := m.transition(PhaseReduce); err == nil {
		t.Error("INIT -> REDUCE should be rejected")
	}
}

func TestPhaseMachine_ErrorInterleaving(t *testing.T) {
	m := newPhaseMachine()
	for _, phase := range []Phase{PhaseObserve, PhaseDecide, PhaseDecideError, PhaseRecover, PhaseObserve} {
		if err := m.transition(phase); err != nil {
			t.Fatalf("transition to %s: %v", phase, err)
		}
	}
}

func TestPhaseMachine_EndIsTerminal(t *testing.T) {
	m := newPhaseMachine()
	_ = m.transition(PhaseEnd)
	if err := m.transition(PhaseObserve); err == nil {
		t.Error("END should be terminal")
	}
}
