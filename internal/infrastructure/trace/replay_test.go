package trace

import (
	"testing"
)

func writeFixtureRun(t *testing.T) string {
	t.Helper()
	w, err := NewWriter(WriterOptions{OutputDir: t.TempDir(), RunID: "fixture", StrictValidate: true})
	if err != nil {
		t.Fatal(err)
	}

	phases := []struct {
		stepID int
		phase  string
	}{
		{0, "INIT"},
		{0, "OBSERVE"}, {0, "DECIDE"}, {0, "ACT"},
		{1, "OBSERVE"}, {1, "DECIDE"},
		{1, "END"},
	}
	for _, p := range phases {
		if err := w.WriteEvent(testEvent("fixture", p.stepID, p.phase)); err != nil {
			t.Fatal(err)
		}
	}

	step0 := testStep(0)
	step0["tool_invocations"] = []any{map[string]any{
		"tool_name": "add", "status": "error", "error_category": "tool_not_found",
	}}
	step0["decision"] = map[string]any{"mode": "act", "rationale": "try the tool"}
	if err := w.WriteStep(step0); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteStep(testStep(1)); err != nil {
		t.Fatal(err)
	}

	if err := w.Finalize("completed", map[string]any{
		"stop_reason": "final", "final_result": "42", "steps": 2,
		"failure_report": map[string]any{},
	}); err != nil {
		t.Fatal(err)
	}
	return w.RunDir()
}

// === Loading and ordering ===

func TestReplay_EventOrderPreserved(t *testing.T) {
	session, err := NewReplaySession(writeFixtureRun(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Events) != 7 || len(session.Steps) != 2 {
		t.Fatalf("loaded %d events %d steps", len(session.Events), len(session.Steps))
	}

	var phases []string
	for session.HasNext() {
		snap := session.StepInto()
		phases = append(phases, snap.CurrentEvent["phase"].(string))
	}
	want := []string{"INIT", "OBSERVE", "DECIDE", "ACT", "OBSERVE", "DECIDE", "END"}
	for i, phase := range want {
		if phases[i] != phase {
			t.Errorf("event %d phase = %s, want %s", i, phases[i], phase)
		}
	}
}

func TestReplay_MissingRunDir(t *testing.T) {
	if _, err := NewReplaySession(t.TempDir() + "/nope"); err == nil {
		t.Error("missing run dir should fail")
	}
}

// === Cursor navigation ===

func TestReplay_StepOver(t *testing.T) {
	session, err := NewReplaySession(writeFixtureRun(t))
	if err != nil {
		t.Fatal(err)
	}

	snap := session.StepOver() // all step-0 events
	if stepIDOf(snap.CurrentEvent) != 0 {
		t.Errorf("expected to land on step 0 events, got %v", snap.CurrentEvent)
	}
	if snap.CurrentStep == nil || stepIDOf(snap.CurrentStep) != 0 {
		t.Errorf("expected step 0 record, got %v", snap.CurrentStep)
	}

	snap = session.StepOver() // step-1 events
	if stepIDOf(snap.CurrentStep) != 1 {
		t.Errorf("expected step 1 record, got %v", snap.CurrentStep)
	}

	snap = session.StepOver()
	if snap.CurrentEvent != nil {
		t.Error("exhausted session should return empty snapshots")
	}
}

func TestReplay_RunUntilBreakpoint(t *testing.T) {
	session, err := NewReplaySession(writeFixtureRun(t))
	if err != nil {
		t.Fatal(err)
	}

	snap := session.RunUntilBreakpoint([]Breakpoint{{Phase: "ACT"}})
	if snap.CurrentEvent == nil || snap.CurrentEvent["phase"] != "ACT" {
		t.Errorf("expected to stop at ACT, got %v", snap.CurrentEvent)
	}

	session.Reset()
	one := 1
	snap = session.RunUntilBreakpoint([]Breakpoint{{StepID: &one, Phase: "DECIDE"}})
	if stepIDOf(snap.CurrentEvent) != 1 || snap.CurrentEvent["phase"] != "DECIDE" {
		t.Errorf("expected step 1 DECIDE, got %v", snap.CurrentEvent)
	}

	session.Reset()
	snap = session.RunUntilBreakpoint([]Breakpoint{{Condition: func(e map[string]any) bool {
		return e["phase"] == "END"
	}}})
	if snap.CurrentEvent["phase"] != "END" {
		t.Errorf("predicate breakpoint missed END, got %v", snap.CurrentEvent)
	}
}

// === Inspection ===

func TestReplay_InspectStep(t *testing.T) {
	session, err := NewReplaySession(writeFixtureRun(t))
	if err != nil {
		t.Fatal(err)
	}

	payload := session.InspectStep(0)
	if payload == nil {
		t.Fatal("step 0 should inspect")
	}
	if payload["decision_mode"] != "act" || payload["rationale"] != "try the tool" {
		t.Errorf("decision fields wrong: %v", payload)
	}
	if payload["stop_reason"] != "final" {
		t.Errorf("stop_reason = %v", payload["stop_reason"])
	}
	if payload["remediation_hint"] != "Verify tool registration and action name." {
		t.Errorf("remediation hint = %v", payload["remediation_hint"])
	}

	if session.InspectStep(99) != nil {
		t.Error("unknown step should return nil")
	}
}

func TestReplay_CompareSteps(t *testing.T) {
	session, err := NewReplaySession(writeFixtureRun(t))
	if err != nil {
		t.Fatal(err)
	}

	diff := session.CompareSteps(0, 1)
	changes := diff["changes"].(map[string]any)
	if _, ok := changes["decision"]; !ok {
		t.Errorf("decision should differ between steps: %v", changes)
	}
	if _, ok := changes["state_diff"]; ok {
		t.Errorf("identical fields should not be reported: %v", changes)
	}
}

// === Fork is read-only ===

func TestReplay_ForkWithStepOverride(t *testing.T) {
	runDir := writeFixtureRun(t)
	session, err := NewReplaySession(runDir)
	if err != nil {
		t.Fatal(err)
	}

	override := map[string]any{"mode": "final", "final_answer": "forced"}
	fork := session.ForkWithStepOverride(0, override)

	forkedSteps := fork["steps"].([]map[string]any)
	if forkedSteps[0]["decision"].(map[string]any)["final_answer"] != "forced" {
		t.Errorf("fork did not apply override: %v", forkedSteps[0]["decision"])
	}

	// The session and the artifact stay untouched.
	if session.Steps[0]["decision"].(map[string]any)["mode"] != "act" {
		t.Error("fork mutated the in-memory session")
	}
	reloaded, err := NewReplaySession(runDir)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Steps[0]["decision"].(map[string]any)["mode"] != "act" {
		t.Error("fork touched the on-disk artifact")
	}
}
