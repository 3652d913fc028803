package service

import (
	"errors"
	"testing"
	"time"
)

// === Token accounting ===

func TestCostGuard_TokenBudget(t *testing.T) {
	g := NewCostGuard(100, 0, nil)

	if err := g.AddTokens(60); err != nil {
		t.Errorf("under budget: %v", err)
	}
	if g.OverTokenBudget() {
		t.Error("not over budget yet")
	}
	if err := g.AddTokens(50); !errors.Is(err, ErrTokenBudgetExceeded) {
		t.Errorf("expected ErrTokenBudgetExceeded, got %v", err)
	}
	if !g.OverTokenBudget() {
		t.Error("should report over budget")
	}

	tokens, _ := g.Usage()
	if tokens != 110 {
		t.Errorf("tokens = %d, want 110", tokens)
	}
}

func TestCostGuard_DisabledLimits(t *testing.T) {
	g := NewCostGuard(0, 0, nil)
	if err := g.AddTokens(1 << 30); err != nil {
		t.Errorf("disabled token budget should never trip: %v", err)
	}
	if err := g.CheckTime(); err != nil {
		t.Errorf("disabled time budget should never trip: %v", err)
	}
}

// === Time budget ===

func TestCostGuard_TimeBudget(t *testing.T) {
	g := NewCostGuard(0, time.Nanosecond, nil)
	time.Sleep(time.Millisecond)
	if err := g.CheckTime(); !errors.Is(err, ErrTimeBudgetExceeded) {
		t.Errorf("expected ErrTimeBudgetExceeded, got %v", err)
	}
}

// === Estimation ===

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Error("empty text should cost nothing")
	}
	if EstimateTokens("ab") != 1 {
		t.Error("short text should cost at least one token")
	}
	if got := EstimateTokens("aaaaaaaaaaaaaaaa"); got != 4 {
		t.Errorf("16 chars = %d tokens, want 4", got)
	}
}
