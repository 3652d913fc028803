package service

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Guard sentinel errors.
var (
	ErrTokenBudgetExceeded = errors.New("token budget exceeded")
	ErrTimeBudgetExceeded  = errors.New("run time budget exceeded")
)

// CostGuard accumulates token usage and elapsed wall-clock for one run.
// Token counting is centralized here: the engine feeds it from the model
// path and applies the budget uniformly at CHECK_STOP.
// Thread-safe; snapshots may be read from other goroutines.
type CostGuard struct {
	maxTokens     int64
	currentTokens atomic.Int64
	maxDuration   time.Duration
	startTime     time.Time
	logger        *zap.Logger
}

// NewCostGuard creates a guard for the current run. Zero limits disable the
// corresponding check.
func NewCostGuard(maxTokens int64, maxDuration time.Duration, logger *zap.Logger) *CostGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CostGuard{
		maxTokens:   maxTokens,
		maxDuration: maxDuration,
		startTime:   time.Now(),
		logger:      logger,
	}
}

// AddTokens accumulates usage; returns ErrTokenBudgetExceeded once over.
func (g *CostGuard) AddTokens(n int64) error {
	current := g.currentTokens.Add(n)
	if g.maxTokens > 0 && current > g.maxTokens {
		g.logger.Warn("token budget exceeded",
			zap.Int64("current", current),
			zap.Int64("max", g.maxTokens),
		)
		return ErrTokenBudgetExceeded
	}
	return nil
}

// OverTokenBudget reports whether the accumulated tokens exceed the budget.
func (g *CostGuard) OverTokenBudget() bool {
	return g.maxTokens > 0 && g.currentTokens.Load() > g.maxTokens
}

// CheckTime returns ErrTimeBudgetExceeded when the wall-clock budget is spent.
func (g *CostGuard) CheckTime() error {
	if g.maxDuration > 0 && time.Since(g.startTime) > g.maxDuration {
		return ErrTimeBudgetExceeded
	}
	return nil
}

// Usage returns current token count and elapsed time.
func (g *CostGuard) Usage() (tokens int64, elapsed time.Duration) {
	return g.currentTokens.Load(), time.Since(g.startTime)
}

// EstimateTokens approximates the token count of a text. The ~4 chars per
// token heuristic keeps accounting model-agnostic.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text) / 4)
	if n == 0 {
		n = 1
	}
	return n
}
