package service

import (
	"go.uber.org/zap"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// RecoveryDecision is the policy's verdict on one raised failure.
type RecoveryDecision struct {
	Handled     bool
	ContinueRun bool
	StopReason  entity.StopReason
	Note        string
}

// FailureDiagnostic is one entry of the run's failure report.
type FailureDiagnostic struct {
	StepID         int    `json:"step_id"`
	Phase          string `json:"phase"`
	Category       string `json:"category"`
	Message        string `json:"message"`
	Recoverable    bool   `json:"recoverable"`
	Decision       string `json:"decision"`
	Recommendation string `json:"recommendation"`
}

// RecoveryPolicy classifies raised failures, bounds total recoveries per
// run, and records diagnostics for the manifest failure report.
type RecoveryPolicy struct {
	MaxRecoveriesPerRun int

	recoveries  int
	diagnostics []FailureDiagnostic
	logger      *zap.Logger
}

// NewRecoveryPolicy builds the default policy (3 recoveries per run).
func NewRecoveryPolicy(logger *zap.Logger) *RecoveryPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryPolicy{MaxRecoveriesPerRun: 3, logger: logger}
}

// Reset clears per-run accounting.
func (p *RecoveryPolicy) Reset() {
	p.recoveries = 0
	p.diagnostics = nil
}

// Handle arbitrates one failure: classify, check the recovery budget, record
// a diagnostic, and decide whether the run continues.
func (p *RecoveryPolicy) Handle(phase Phase, stepID int, err error) RecoveryDecision {
	info := entity.Classify(err, string(phase), stepID)
	recommendation := recommendationFor(info.Category)

	if p.recoveries >= p.MaxRecoveriesPerRun {
		p.record(info, recommendation, "stop")
		return RecoveryDecision{
			Handled:    true,
			StopReason: entity.StopUnrecoverable,
			Note:       "max_recovery_exhausted",
		}
	}

	if info.Recoverable {
		p.recoveries++
		p.record(info, recommendation, "continue")
		p.logger.Warn("recovered from phase failure",
			zap.String("phase", string(phase)),
			zap.Int("step_id", stepID),
			zap.String("category", string(info.Category)),
			zap.Int("recoveries", p.recoveries),
		)
		return RecoveryDecision{Handled: true, ContinueRun: true, Note: "recoverable_continue"}
	}

	p.record(info, recommendation, "stop")
	return RecoveryDecision{
		Handled:    true,
		StopReason: entity.StopUnrecoverable,
		Note:       "unrecoverable_stop",
	}
}

func (p *RecoveryPolicy) record(info entity.RuntimeErrorInfo, recommendation, decision string) {
	p.diagnostics = append(p.diagnostics, FailureDiagnostic{
		StepID:         info.StepID,
		Phase:          info.Phase,
		Category:       string(info.Category),
		Message:        info.Message,
		Recoverable:    info.Recoverable,
		Decision:       decision,
		Recommendation: recommendation,
	})
}

// FailureReport renders the diagnostics for the manifest summary.
func (p *RecoveryPolicy) FailureReport(stopReason entity.StopReason) map[string]any {
	failures := make([]any, 0, len(p.diagnostics))
	for _, d := range p.diagnostics {
		failures = append(failures, map[string]any{
			"step_id":        d.StepID,
			"phase":          d.Phase,
			"category":       d.Category,
			"message":        d.Message,
			"recoverable":    d.Recoverable,
			"decision":       d.Decision,
			"recommendation": d.Recommendation,
		})
	}
	return map[string]any{
		"failure_count": len(p.diagnostics),
		"failures":      failures,
		"stop_reason":   string(stopReason),
	}
}

func recommendationFor(category entity.ErrorCategory) string {
	switch category {
	case entity.ErrTool:
		return "Check tool name, arguments, and environment permissions."
	case entity.ErrParse:
		return "Adjust parser or output format constraints."
	case entity.ErrState:
		return "Validate state transitions and required state fields."
	case entity.ErrModel:
		return "Check model connectivity/timeout and retry strategy."
	case entity.ErrSystem:
		return "Inspect runtime configuration and uncaught exceptions."
	}
	return "Inspect runtime diagnostics and retry with stricter guards."
}
