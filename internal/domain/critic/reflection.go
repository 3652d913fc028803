package critic

import (
	"fmt"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// SelfReflection retries steps whose action results carry errors, up to a
// bounded retry count, then stops the run.
type SelfReflection struct {
	MaxRetries int
}

// NewSelfReflection builds the critic with the given retry bound.
func NewSelfReflection(maxRetries int) *SelfReflection {
	return &SelfReflection{MaxRetries: maxRetries}
}

// Evaluate implements Critic.
func (c *SelfReflection) Evaluate(state entity.AgentState, _ *entity.Decision, results []any) Verdict {
	meta := state.Base().Metadata
	retries, _ := meta["reflection_retries"].(int)

	if _, hasError := hasErrorPayload(results); hasError {
		if retries < c.MaxRetries {
			meta["reflection_retries"] = retries + 1
			return Verdict{
				Action:  Retry,
				Reason:  "tool_error_retry",
				Score:   0.2,
				Details: map[string]any{"retries": retries + 1, "max_retries": c.MaxRetries},
			}
		}
		return Verdict{Action: Stop, Reason: "tool_error_exceeded_retries", Score: 0.0}
	}
	return Verdict{Action: Continue, Reason: "reflection_pass", Score: 1.0}
}

// ReActSelfReflection augments the retry policy with structured reflection
// notes appended to state metadata, so the next observation can surface what
// went wrong to the model.
type ReActSelfReflection struct {
	MaxRetries int
}

// NewReActSelfReflection builds the critic with the given retry bound.
func NewReActSelfReflection(maxRetries int) *ReActSelfReflection {
	return &ReActSelfReflection{MaxRetries: maxRetries}
}

// Evaluate implements Critic.
func (c *ReActSelfReflection) Evaluate(state entity.AgentState, decision *entity.Decision, results []any) Verdict {
	meta := state.Base().Metadata
	retries, _ := meta["reflection_retries"].(int)
	reflections, _ := meta["self_reflections"].([]string)

	if errPayload, hasError := hasErrorPayload(results); hasError {
		reflection := buildErrorReflection(decision, errPayload)
		reflections = append(reflections, reflection)
		meta["self_reflections"] = reflections
		meta["reflection_retries"] = retries + 1

		if retries < c.MaxRetries {
			return Verdict{
				Action:  Retry,
				Reason:  "react_reflection_retry",
				Score:   0.2,
				Details: map[string]any{"reflection": reflection, "retry": retries + 1},
			}
		}
		return Verdict{
			Action:  Stop,
			Reason:  "react_reflection_exceeded_retries",
			Score:   0.0,
			Details: map[string]any{"reflection": reflection, "retry": retries + 1},
		}
	}

	if decision != nil && decision.Mode == entity.ModeFinal && decision.FinalAnswer != "" {
		reflections = append(reflections, "Final answer produced. Verify constraints satisfied.")
		if len(reflections) > 20 {
			reflections = reflections[len(reflections)-20:]
		}
		meta["self_reflections"] = reflections
	}
	return Verdict{Action: Continue, Reason: "react_reflection_pass", Score: 1.0}
}

func buildErrorReflection(decision *entity.Decision, errPayload map[string]any) string {
	actionDesc := "no_action"
	if decision != nil && len(decision.Actions) > 0 {
		actionDesc = fmt.Sprintf("%s(%v)", decision.Actions[0].Name, decision.Actions[0].Args)
	}
	return fmt.Sprintf(
		"Previous action failed: %s. Observed error: %v. Next try should adjust tool name/args and keep one atomic tool call.",
		actionDesc, errPayload["error"],
	)
}
