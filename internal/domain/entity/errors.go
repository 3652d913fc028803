package entity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ErrorCategory buckets runtime failures for recovery arbitration.
type ErrorCategory string

const (
	ErrModel  ErrorCategory = "model_error"
	ErrParse  ErrorCategory = "parse_error"
	ErrTool   ErrorCategory = "tool_error"
	ErrState  ErrorCategory = "state_error"
	ErrSystem ErrorCategory = "system_error"
)

// StopReason enumerates why a run terminated.
type StopReason string

const (
	StopSuccess              StopReason = "success"
	StopFinal                StopReason = "final"
	StopMaxSteps             StopReason = "max_steps"
	StopBudgetSteps          StopReason = "budget_steps"
	StopBudgetTime           StopReason = "budget_time"
	StopBudgetTokens         StopReason = "budget_tokens"
	StopAgentCondition       StopReason = "agent_condition"
	StopEnvTerminal          StopReason = "env_terminal"
	StopCriticStop           StopReason = "critic_stop"
	StopTaskValidationFailed StopReason = "task_validation_failed"
	StopStagnation           StopReason = "stagnation"
	StopUnrecoverable        StopReason = "unrecoverable_error"
)

// ValidStopReason reports whether s is a member of the StopReason enum.
func ValidStopReason(s StopReason) bool {
	switch s {
	case StopSuccess, StopFinal, StopMaxSteps, StopBudgetSteps, StopBudgetTime,
		StopBudgetTokens, StopAgentCondition, StopEnvTerminal, StopCriticStop,
		StopTaskValidationFailed, StopStagnation, StopUnrecoverable:
		return true
	}
	return false
}

// RuntimeErrorInfo is the classified description of a raised failure.
type RuntimeErrorInfo struct {
	Category    ErrorCategory  `json:"category"`
	Message     string         `json:"message"`
	Phase       string         `json:"phase"`
	StepID      int            `json:"step_id"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}

// RuntimeError carries classified failure info through error returns so the
// recovery policy can arbitrate without string matching.
type RuntimeError struct {
	Info RuntimeErrorInfo
	Err  error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Info.Category, e.Info.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// NewRuntimeError wraps err with an explicit classification.
func NewRuntimeError(category ErrorCategory, phase string, stepID int, recoverable bool, err error) *RuntimeError {
	return &RuntimeError{
		Info: RuntimeErrorInfo{
			Category:    category,
			Message:     err.Error(),
			Phase:       phase,
			StepID:      stepID,
			Recoverable: recoverable,
		},
		Err: err,
	}
}

// StateError marks invalid state transitions or field values. Non-recoverable.
type StateError struct{ Msg string }

func (e *StateError) Error() string { return e.Msg }

// Classify maps an arbitrary error raised in a phase to RuntimeErrorInfo.
// Pre-classified RuntimeErrors pass through unchanged. Timeouts and
// connection failures during model-facing phases classify as recoverable
// model errors; parser signals classify as recoverable parse errors; any
// failure surfacing from ACT is a recoverable tool error; state errors are
// non-recoverable; everything else falls back to system_error.
func Classify(err error, phase string, stepID int) RuntimeErrorInfo {
	var rt *RuntimeError
	if errors.As(err, &rt) {
		return rt.Info
	}

	var st *StateError
	if errors.As(err, &st) {
		return RuntimeErrorInfo{Category: ErrState, Message: err.Error(), Phase: phase, StepID: stepID}
	}

	lowPhase := strings.ToLower(phase)
	msg := strings.ToLower(err.Error())

	if (lowPhase == "observe" || lowPhase == "decide") && isTimeoutOrConnection(err) {
		return RuntimeErrorInfo{Category: ErrModel, Message: err.Error(), Phase: phase, StepID: stepID, Recoverable: true}
	}

	if strings.Contains(msg, "decision mode") || strings.Contains(msg, "parser") ||
		strings.Contains(msg, "json") || strings.Contains(msg, "xml") {
		return RuntimeErrorInfo{Category: ErrParse, Message: err.Error(), Phase: phase, StepID: stepID, Recoverable: true}
	}

	if strings.EqualFold(phase, "ACT") {
		return RuntimeErrorInfo{Category: ErrTool, Message: err.Error(), Phase: phase, StepID: stepID, Recoverable: true}
	}

	return RuntimeErrorInfo{Category: ErrSystem, Message: err.Error(), Phase: phase, StepID: stepID}
}

func isTimeoutOrConnection(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
