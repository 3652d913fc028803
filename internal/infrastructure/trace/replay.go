package trace

import (
	"fmt"
	"path/filepath"
	"reflect"
)

// Breakpoint matches replay events by step, phase, and/or predicate. Unset
// fields match everything.
type Breakpoint struct {
	StepID    *int
	Phase     string
	Condition func(event map[string]any) bool
}

// Matches reports whether the event satisfies every set constraint.
func (b Breakpoint) Matches(event map[string]any) bool {
	if b.StepID != nil && eventStepID(event) != *b.StepID {
		return false
	}
	if b.Phase != "" {
		if phase, _ := event["phase"].(string); phase != b.Phase {
			return false
		}
	}
	if b.Condition != nil && !b.Condition(event) {
		return false
	}
	return true
}

// Snapshot is the replay cursor position after a navigation call.
type Snapshot struct {
	Cursor       int
	CurrentEvent map[string]any
	CurrentStep  map[string]any
}

// ReplaySession reads a finalized run directory back and exposes cursor
// navigation, breakpoints, per-step inspection, diffing, and a read-only
// fork. It never writes to the artifacts.
type ReplaySession struct {
	RunDir   string
	Events   []map[string]any
	Steps    []map[string]any
	Manifest map[string]any

	cursor int
}

// NewReplaySession loads a run directory.
func NewReplaySession(runDir string) (*ReplaySession, error) {
	manifest, err := readJSON(filepath.Join(runDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	events, err := readJSONL(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	steps, err := readJSONL(filepath.Join(runDir, "steps.jsonl"))
	if err != nil {
		return nil, err
	}
	return &ReplaySession{RunDir: runDir, Events: events, Steps: steps, Manifest: manifest}, nil
}

// Reset rewinds the cursor.
func (s *ReplaySession) Reset() { s.cursor = 0 }

// HasNext reports whether events remain.
func (s *ReplaySession) HasNext() bool { return s.cursor < len(s.Events) }

// StepInto advances one event.
func (s *ReplaySession) StepInto() Snapshot {
	if !s.HasNext() {
		return Snapshot{Cursor: s.cursor}
	}
	event := s.Events[s.cursor]
	s.cursor++
	return Snapshot{
		Cursor:       s.cursor,
		CurrentEvent: event,
		CurrentStep:  s.findStep(eventStepID(event)),
	}
}

// StepOver advances past every event of the current step.
func (s *ReplaySession) StepOver() Snapshot {
	if !s.HasNext() {
		return Snapshot{Cursor: s.cursor}
	}
	startStep := eventStepID(s.Events[s.cursor])
	var last map[string]any
	for s.HasNext() && eventStepID(s.Events[s.cursor]) == startStep {
		last = s.Events[s.cursor]
		s.cursor++
	}
	return Snapshot{
		Cursor:       s.cursor,
		CurrentEvent: last,
		CurrentStep:  s.findStep(startStep),
	}
}

// RunUntilBreakpoint advances until any breakpoint matches or events end.
func (s *ReplaySession) RunUntilBreakpoint(breakpoints []Breakpoint) Snapshot {
	for s.HasNext() {
		snapshot := s.StepInto()
		for _, bp := range breakpoints {
			if bp.Matches(snapshot.CurrentEvent) {
				return snapshot
			}
		}
	}
	return Snapshot{Cursor: s.cursor}
}

// InspectStep renders the inspector payload for one step.
func (s *ReplaySession) InspectStep(stepID int) map[string]any {
	step := s.findStep(stepID)
	if step == nil {
		return nil
	}
	return buildInspectorPayload(step, s.Manifest)
}

// CompareSteps returns a compact field-level comparison of two steps.
func (s *ReplaySession) CompareSteps(stepA, stepB int) map[string]any {
	a := s.findStep(stepA)
	b := s.findStep(stepB)
	if a == nil || b == nil {
		return nil
	}
	changes := map[string]any{}
	for _, field := range []string{"decision", "actions", "action_results", "critic_outputs", "state_diff"} {
		if !reflect.DeepEqual(a[field], b[field]) {
			changes[field] = map[string]any{"a": a[field], "b": b[field]}
		}
	}
	return map[string]any{"step_a": stepA, "step_b": stepB, "changes": changes}
}

// ForkWithStepOverride returns an in-memory view of the run with one step's
// decision replaced. The on-disk artifact is untouched.
func (s *ReplaySession) ForkWithStepOverride(stepID int, decisionOverride map[string]any) map[string]any {
	steps := make([]map[string]any, 0, len(s.Steps))
	for _, step := range s.Steps {
		copied := make(map[string]any, len(step))
		for k, v := range step {
			copied[k] = v
		}
		if stepIDOf(copied) == stepID {
			copied["decision"] = decisionOverride
		}
		steps = append(steps, copied)
	}
	events := make([]map[string]any, 0, len(s.Events))
	for _, event := range s.Events {
		copied := make(map[string]any, len(event))
		for k, v := range event {
			copied[k] = v
		}
		events = append(events, copied)
	}
	manifest := make(map[string]any, len(s.Manifest))
	for k, v := range s.Manifest {
		manifest[k] = v
	}
	return map[string]any{"manifest": manifest, "events": events, "steps": steps}
}

func (s *ReplaySession) findStep(stepID int) map[string]any {
	for _, step := range s.Steps {
		if stepIDOf(step) == stepID {
			return step
		}
	}
	return nil
}

// buildInspectorPayload derives the per-step inspection view, including a
// remediation hint for failed tool invocations.
func buildInspectorPayload(step, manifest map[string]any) map[string]any {
	decision, _ := step["decision"].(map[string]any)
	var stopReason any
	if summary, ok := manifest["summary"].(map[string]any); ok {
		stopReason = summary["stop_reason"]
	}
	payload := map[string]any{
		"step_id":          stepIDOf(step),
		"rationale":        nil,
		"decision_mode":    nil,
		"actions":          orEmptyList(step["actions"]),
		"tool_invocations": orEmptyList(step["tool_invocations"]),
		"action_results":   orEmptyList(step["action_results"]),
		"critic_outputs":   orEmptyList(step["critic_outputs"]),
		"state_diff":       step["state_diff"],
		"stop_reason":      stopReason,
		"remediation_hint": remediationHint(step),
	}
	if decision != nil {
		payload["rationale"] = decision["rationale"]
		payload["decision_mode"] = decision["mode"]
	}
	return payload
}

// remediationHint inspects failed tool invocations for actionable advice.
func remediationHint(step map[string]any) any {
	invocations, _ := step["tool_invocations"].([]any)
	for _, item := range invocations {
		invocation, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if invocation["status"] != "error" {
			continue
		}
		switch invocation["error_category"] {
		case "tool_not_found":
			return "Verify tool registration and action name."
		case "runtime_error":
			return "Inspect tool arguments and environment configuration."
		}
	}
	return nil
}

func eventStepID(event map[string]any) int { return stepIDOf(event) }

func stepIDOf(payload map[string]any) int {
	switch v := payload["step_id"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return -1
}

func orEmptyList(v any) any {
	if v == nil {
		return []any{}
	}
	return v
}
