package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Qitor/qitos/internal/domain/critic"
	"github.com/Qitor/qitos/internal/domain/entity"
	"github.com/Qitor/qitos/internal/domain/memory"
	"github.com/Qitor/qitos/internal/domain/parser"
	"github.com/Qitor/qitos/internal/domain/tool"
)

// scriptedAgent replays a fixed decision per step; a nil entry defers to the
// built-in model + parser path.
type scriptedAgent struct {
	BaseAgent
	decisions []*entity.Decision
	maxSteps  int
}

func (a *scriptedAgent) InitState(task string, _ map[string]any) (entity.AgentState, error) {
	maxSteps := a.maxSteps
	if maxSteps == 0 {
		maxSteps = 50
	}
	return entity.NewState(task, maxSteps), nil
}

func (a *scriptedAgent) Observe(_ entity.AgentState, envView map[string]any) (any, error) {
	return envView["step_id"], nil
}

func (a *scriptedAgent) Decide(state entity.AgentState, _ any) (*entity.Decision, error) {
	step := state.Base().CurrentStep
	if step < len(a.decisions) {
		return a.decisions[step], nil
	}
	return entity.Wait("idle"), nil
}

func (a *scriptedAgent) Reduce(state entity.AgentState, _ any, _ *entity.Decision, _ []any) (entity.AgentState, error) {
	return state, nil
}

func (a *scriptedAgent) Prepare(entity.AgentState, any) string {
	return "what next?"
}

// scriptedModel pops canned raw outputs.
func scriptedModel(outputs ...string) ModelClient {
	i := 0
	return func(context.Context, []memory.Message) (string, error) {
		if i >= len(outputs) {
			return "", errors.New("model script exhausted")
		}
		out := outputs[i]
		i++
		return out, nil
	}
}

// captureSink is an in-memory TraceSink.
type captureSink struct {
	events  []map[string]any
	steps   []map[string]any
	status  string
	summary map[string]any
}

func (s *captureSink) RunID() string { return "test-run" }
func (s *captureSink) WriteEvent(event map[string]any) error {
	s.events = append(s.events, event)
	return nil
}
func (s *captureSink) WriteStep(step map[string]any) error {
	s.steps = append(s.steps, step)
	return nil
}
func (s *captureSink) Finalize(status string, summary map[string]any) error {
	s.status = status
	s.summary = summary
	return nil
}

func addRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry(nil)
	err := r.RegisterFunc(tool.Spec{
		Name: "add",
		Parameters: map[string]tool.ParamSpec{
			"a": {Type: "integer"}, "b": {Type: "integer"},
		},
		Required: []string{"a", "b"},
	}, func(_ context.Context, args map[string]any, _ *tool.RunContext) (any, error) {
		return toInt(args["a"]) + toInt(args["b"]), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func countEvents(events []Event, phase Phase) int {
	n := 0
	for _, e := range events {
		if e.Phase == phase {
			n++
		}
	}
	return n
}

func countDecideStages(events []Event, stage string) int {
	n := 0
	for _, e := range events {
		if e.Phase == PhaseDecide && e.Payload["stage"] == stage {
			n++
		}
	}
	return n
}

// === Scenario: single-step arithmetic ===

func TestEngine_SingleStepArithmetic(t *testing.T) {
	agent := &scriptedAgent{
		BaseAgent: BaseAgent{Registry: addRegistry(t)},
		decisions: []*entity.Decision{
			entity.Act([]entity.Action{entity.NewAction("add", map[string]any{"a": 40, "b": 2})}, "sum them"),
			entity.Final("42", "done"),
		},
	}
	sink := &captureSink{}
	engine, err := NewEngine(Options{Agent: agent, Trace: sink, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "compute 40+2", nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.StepCount != 2 {
		t.Errorf("step count = %d, want 2", result.StepCount)
	}
	base := result.State.Base()
	if base.FinalResult != "42" || base.StopReason != entity.StopFinal {
		t.Errorf("terminal state wrong: final=%q stop=%s", base.FinalResult, base.StopReason)
	}
	if len(result.Records[0].ActionResults) != 1 || result.Records[0].ActionResults[0] != 42 {
		t.Errorf("action results = %v, want [42]", result.Records[0].ActionResults)
	}
	if sink.status != "completed" {
		t.Errorf("manifest status = %q", sink.status)
	}
	if len(sink.steps) != 2 {
		t.Errorf("trace steps = %d, want 2", len(sink.steps))
	}
}

// === Scenario: model-driven ReAct ===

func TestEngine_ModelDrivenReAct(t *testing.T) {
	agent := &scriptedAgent{
		BaseAgent: BaseAgent{
			Registry: addRegistry(t),
			Model:    scriptedModel("Action: add(a=20, b=22)", "Final Answer: 42"),
		},
		decisions: []*entity.Decision{nil, nil},
	}
	engine, err := NewEngine(Options{
		Agent:  agent,
		Parser: parser.NewReAct(),
		Memory: memory.NewWindow(0),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "compute 20+22", nil)
	if err != nil {
		t.Fatal(err)
	}

	base := result.State.Base()
	if base.FinalResult != "42" || base.StopReason != entity.StopFinal {
		t.Errorf("terminal state wrong: final=%q stop=%s", base.FinalResult, base.StopReason)
	}
	if got := countDecideStages(result.Events, "model_input"); got != 2 {
		t.Errorf("model_input events = %d, want 2", got)
	}
	if got := countDecideStages(result.Events, "model_output"); got != 2 {
		t.Errorf("model_output events = %d, want 2", got)
	}
	if result.Records[0].ActionResults[0] != 42 {
		t.Errorf("tool output = %v, want 42", result.Records[0].ActionResults[0])
	}
}

// === Scenario: recoverable parse error ===

func TestEngine_RecoverableParseError(t *testing.T) {
	agent := &scriptedAgent{
		BaseAgent: BaseAgent{
			Registry: addRegistry(t),
			Model:    scriptedModel("gibberish", "Final Answer: 42"),
		},
		decisions: []*entity.Decision{nil, nil},
	}
	sink := &captureSink{}
	engine, err := NewEngine(Options{
		Agent:  agent,
		Parser: parser.NewReAct(),
		Trace:  sink,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "answer", nil)
	if err != nil {
		t.Fatal(err)
	}

	base := result.State.Base()
	if base.FinalResult != "42" || base.StopReason != entity.StopFinal {
		t.Errorf("run should recover to final, got final=%q stop=%s", base.FinalResult, base.StopReason)
	}
	if got := countEvents(result.Events, PhaseDecideError); got != 1 {
		t.Errorf("DECIDE_ERROR events = %d, want 1", got)
	}
	if got := countEvents(result.Events, PhaseRecover); got != 1 {
		t.Errorf("RECOVER events = %d, want 1", got)
	}

	report := sink.summary["failure_report"].(map[string]any)
	if report["failure_count"] != 1 {
		t.Errorf("failure_count = %v, want 1", report["failure_count"])
	}
	failures := report["failures"].([]any)
	if failures[0].(map[string]any)["category"] != "parse_error" {
		t.Errorf("failure category = %v", failures[0])
	}
}

// === Scenario: critic retry then pass ===

type retryOnceCritic struct {
	calls int
}

func (c *retryOnceCritic) Evaluate(entity.AgentState, *entity.Decision, []any) critic.Verdict {
	c.calls++
	if c.calls == 1 {
		return critic.Verdict{Action: critic.Retry, Reason: "try again"}
	}
	return critic.Verdict{Action: critic.Continue, Reason: "pass"}
}

func TestEngine_CriticRetryThenPass(t *testing.T) {
	agent := &scriptedAgent{
		decisions: []*entity.Decision{
			entity.Wait("first"),
			entity.Final("done", ""),
		},
	}
	engine, err := NewEngine(Options{
		Agent:   agent,
		Critics: []critic.Critic{&retryOnceCritic{}},
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "task", nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.StepCount < 2 {
		t.Errorf("step count = %d, want >= 2", result.StepCount)
	}
	if result.State.Base().StopReason == entity.StopCriticStop {
		t.Error("retry must not surface as critic_stop")
	}
	first := result.Records[0].CriticOutputs
	if len(first) == 0 || first[0]["action"] != critic.Retry {
		t.Errorf("first step critic output = %v", first)
	}
}

// === Scenario: tool provenance ===

func TestEngine_ToolProvenance(t *testing.T) {
	registry := tool.NewRegistry(nil)
	if err := registry.RegisterToolset(execToolset{}); err != nil {
		t.Fatal(err)
	}
	agent := &scriptedAgent{
		BaseAgent: BaseAgent{Registry: registry},
		decisions: []*entity.Decision{
			entity.Act([]entity.Action{entity.NewAction("math.add", map[string]any{"a": 40, "b": 2})}, ""),
			entity.Final("42", ""),
		},
	}
	sink := &captureSink{}
	engine, err := NewEngine(Options{Agent: agent, Trace: sink, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := engine.Run(context.Background(), "sum", nil); err != nil {
		t.Fatal(err)
	}

	invocations := sink.steps[0]["tool_invocations"].([]any)
	if len(invocations) != 1 {
		t.Fatalf("invocations = %v", invocations)
	}
	inv := invocations[0].(map[string]any)
	if inv["tool_name"] != "math.add" || inv["toolset_name"] != "math" ||
		inv["toolset_version"] != "1.2" || inv["source"] != "toolset" || inv["status"] != "success" {
		t.Errorf("provenance wrong: %v", inv)
	}
}

// === Scenario: task budget overrides engine defaults ===

func TestEngine_TaskBudgetOverride(t *testing.T) {
	agent := &scriptedAgent{} // waits forever
	engine, err := NewEngine(Options{
		Agent:  agent,
		Budget: &Budget{MaxSteps: 5},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	task := &entity.Task{
		ID:        "bounded",
		Objective: "spin",
		Budget:    entity.Budget{MaxSteps: 1, HasMaxSteps: true},
	}
	result, err := engine.Run(context.Background(), task, nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.StepCount != 1 {
		t.Errorf("step count = %d, want exactly 1", result.StepCount)
	}
	if result.State.Base().StopReason != entity.StopBudgetSteps {
		t.Errorf("stop reason = %s, want budget_steps", result.State.Base().StopReason)
	}

	// The next plain-string run falls back to the engine's own budget.
	result, err = engine.Run(context.Background(), "spin again", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.StepCount != 5 {
		t.Errorf("base budget not restored: step count = %d, want 5", result.StepCount)
	}
}

// === Boundary: zero-step budget ===

func TestEngine_ZeroStepBudget(t *testing.T) {
	agent := &scriptedAgent{}
	engine, err := NewEngine(Options{Agent: agent, Budget: &Budget{MaxSteps: 0}, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "never", nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.StepCount != 0 {
		t.Errorf("step count = %d, want 0", result.StepCount)
	}
	if result.State.Base().StopReason != entity.StopBudgetSteps {
		t.Errorf("stop reason = %s", result.State.Base().StopReason)
	}
	for _, event := range result.Events {
		if event.Phase != PhaseInit && event.Phase != PhaseEnd {
			t.Errorf("unexpected event after INIT: %s", event.Phase)
		}
	}
}

// === Boundary: env terminal at step 0 ===

func TestEngine_EnvTerminalAtStepZero(t *testing.T) {
	agent := &scriptedAgent{}
	environment := &fakeEnv{name: "sealed", terminal: true}
	engine, err := NewEngine(Options{Agent: agent, Env: environment, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "enter", nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.StepCount != 1 {
		t.Errorf("step count = %d, want 1", result.StepCount)
	}
	if result.State.Base().StopReason != entity.StopEnvTerminal {
		t.Errorf("stop reason = %s, want env_terminal", result.State.Base().StopReason)
	}
	if !environment.closed {
		t.Error("env should be closed at END")
	}
}

// === Boundary: critic stop at step 0 ===

type stopCritic struct{}

func (stopCritic) Evaluate(entity.AgentState, *entity.Decision, []any) critic.Verdict {
	return critic.Verdict{Action: critic.Stop, Reason: "halt"}
}

func TestEngine_CriticStopAtStepZero(t *testing.T) {
	agent := &scriptedAgent{}
	engine, err := NewEngine(Options{Agent: agent, Critics: []critic.Critic{stopCritic{}}, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "halt early", nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.StepCount != 1 {
		t.Errorf("step count = %d, want 1", result.StepCount)
	}
	if result.State.Base().StopReason != entity.StopCriticStop {
		t.Errorf("stop reason = %s, want critic_stop", result.State.Base().StopReason)
	}
}

// === Task validation failure ===

func TestEngine_TaskValidationFailure(t *testing.T) {
	agent := &scriptedAgent{}
	sink := &captureSink{}
	engine, err := NewEngine(Options{Agent: agent, Trace: sink, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	task := &entity.Task{
		ID:        "broken",
		Objective: "needs missing file",
		Resources: []entity.Resource{{Kind: "file", Path: "/definitely/not/here.txt", Required: true}},
	}
	result, err := engine.Run(context.Background(), task, nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.StepCount != 0 {
		t.Errorf("step count = %d, want 0", result.StepCount)
	}
	if result.State.Base().StopReason != entity.StopTaskValidationFailed {
		t.Errorf("stop reason = %s", result.State.Base().StopReason)
	}

	last := result.Events[len(result.Events)-1]
	if last.Phase != PhaseEnd {
		t.Fatalf("last event = %s, want END", last.Phase)
	}
	if last.Payload["issues"] == nil {
		t.Error("END event should carry structured issues")
	}
}

// === Branch resolution ===

func TestEngine_BranchResolvedBySelector(t *testing.T) {
	branch := entity.Branch([]*entity.Decision{
		entity.Final("first", ""),
		entity.Final("second", ""),
	}, "choose")
	agent := &scriptedAgent{decisions: []*entity.Decision{branch}}
	engine, err := NewEngine(Options{Agent: agent, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "branching", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.State.Base().FinalResult != "first" {
		t.Errorf("default selector should pick the first candidate, got %q", result.State.Base().FinalResult)
	}
}

// === Hooks must not crash the run ===

type panickyHook struct {
	NoOpHook
	runEnds int
}

func (h *panickyHook) OnBeforeStep(*HookContext) { panic("hook bug") }
func (h *panickyHook) OnRunEnd(*RunResult)       { h.runEnds++ }

func TestEngine_HookPanicSwallowed(t *testing.T) {
	agent := &scriptedAgent{decisions: []*entity.Decision{entity.Final("ok", "")}}
	hook := &panickyHook{}
	engine, err := NewEngine(Options{Agent: agent, Hooks: []Hook{hook}, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "hooked", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.State.Base().StopReason != entity.StopFinal {
		t.Errorf("hook panic changed the outcome: %s", result.State.Base().StopReason)
	}
	if hook.runEnds != 1 {
		t.Errorf("OnRunEnd calls = %d, want 1", hook.runEnds)
	}
}

// === Tool failure surfaces to reduce, not to recovery ===

func TestEngine_ToolErrorKeepsStepAlive(t *testing.T) {
	registry := tool.NewRegistry(nil)
	if err := registry.RegisterFunc(tool.Spec{Name: "bad"}, func(context.Context, map[string]any, *tool.RunContext) (any, error) {
		return nil, errors.New("tool exploded")
	}); err != nil {
		t.Fatal(err)
	}
	agent := &scriptedAgent{
		BaseAgent: BaseAgent{Registry: registry},
		decisions: []*entity.Decision{
			entity.Act([]entity.Action{entity.NewAction("bad", nil)}, ""),
			entity.Final("recovered by policy", ""),
		},
	}
	engine, err := NewEngine(Options{Agent: agent, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "failing tool", nil)
	if err != nil {
		t.Fatal(err)
	}

	if got := countEvents(result.Events, PhaseActError); got != 0 {
		t.Errorf("captured tool failure should not raise ACT_ERROR, got %d", got)
	}
	first := result.Records[0].ActionResults[0].(map[string]any)
	if first["error"] == nil {
		t.Errorf("error payload should reach reduce, got %v", first)
	}
	if result.State.Base().StopReason != entity.StopFinal {
		t.Errorf("run should continue past tool failure, stop=%s", result.State.Base().StopReason)
	}
}

// === Token budget ===

func TestEngine_TokenBudget(t *testing.T) {
	longOutput := "Thought: hmm\nAction: add(a=1, b=2)\n" + fmt.Sprintf("%01000d", 0)
	agent := &scriptedAgent{
		BaseAgent: BaseAgent{
			Registry: addRegistry(t),
			Model:    scriptedModel(longOutput, longOutput, longOutput, longOutput),
		},
		decisions: []*entity.Decision{nil, nil, nil, nil},
	}
	engine, err := NewEngine(Options{
		Agent:  agent,
		Parser: parser.NewReAct(),
		Budget: &Budget{MaxSteps: 10, MaxTokens: 100},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(context.Background(), "burn tokens", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.State.Base().StopReason != entity.StopBudgetTokens {
		t.Errorf("stop reason = %s, want budget_tokens", result.State.Base().StopReason)
	}
}
