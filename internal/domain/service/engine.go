package service

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/Qitor/qitos/internal/domain/entity"
	"github.com/Qitor/qitos/internal/domain/env"
	"github.com/Qitor/qitos/internal/domain/memory"
	"github.com/Qitor/qitos/internal/domain/parser"
	"github.com/Qitor/qitos/internal/domain/search"
	"github.com/Qitor/qitos/internal/domain/tool"

	criticpkg "github.com/Qitor/qitos/internal/domain/critic"
)

// TraceSink receives the engine's event stream. The on-disk trace writer
// implements it; a nil sink disables tracing.
type TraceSink interface {
	RunID() string
	WriteEvent(event map[string]any) error
	WriteStep(step map[string]any) error
	Finalize(status string, summary map[string]any) error
}

// RecoveryHandler is an optional callback invoked before the recovery
// policy arbitrates a phase failure.
type RecoveryHandler func(state entity.AgentState, phase Phase, err error)

// Options configures engine construction. Agent is required; everything
// else has sensible defaults.
type Options struct {
	Agent           AgentModule
	Budget          *Budget
	ValidationGate  *ValidationGate
	RecoveryHandler RecoveryHandler
	RecoveryPolicy  *RecoveryPolicy
	Trace           TraceSink
	Memory          memory.Memory
	Parser          parser.Parser
	StopCriteria    []StopCriteria
	BranchSelector  search.Selector
	Search          search.Search
	Critics         []criticpkg.Critic
	Env             env.Env
	Hooks           []Hook
	Logger          *zap.Logger
}

// RunResult is what Engine.Run returns.
type RunResult struct {
	State     entity.AgentState
	Records   []*StepRecord
	Events    []Event
	StepCount int
}

// Engine is the step FSM orchestrator: it binds agent, parser, memory,
// executor, search, critics, recovery, stop criteria, and trace into the
// canonical OBSERVE -> DECIDE -> ACT -> REDUCE -> CRITIC -> CHECK_STOP loop.
// One engine instance is reusable across runs but drives one run at a time.
type Engine struct {
	agent           AgentModule
	registry        *tool.Registry
	model           ModelClient
	budget          Budget
	baseBudget      Budget
	gate            *ValidationGate
	recoveryHandler RecoveryHandler
	recovery        *RecoveryPolicy
	trace           TraceSink
	memory          memory.Memory
	parser          parser.Parser
	stopCriteria    []StopCriteria
	defaultCrit     bool
	branchSelector  search.Selector
	search          search.Search
	critics         []criticpkg.Critic
	env             env.Env
	envInjected     bool
	hooks           []Hook
	executor        *ActionExecutor
	logger          *zap.Logger

	// per-run
	phases     *phaseMachine
	guard      *CostGuard
	events     []Event
	records    []*StepRecord
	activeTask *entity.Task
	taskText   string
	state      entity.AgentState
	lastEnvObs *env.Observation
	lastEnvRes *env.StepResult
	startedAt  time.Time
}

// NewEngine constructs an engine from options.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Agent == nil {
		return nil, fmt.Errorf("engine requires an agent")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	budget := DefaultBudget()
	if opts.Budget != nil {
		budget = *opts.Budget
	}

	e := &Engine{
		agent:           opts.Agent,
		budget:          budget,
		baseBudget:      budget,
		gate:            opts.ValidationGate,
		recoveryHandler: opts.RecoveryHandler,
		recovery:        opts.RecoveryPolicy,
		trace:           opts.Trace,
		memory:          opts.Memory,
		parser:          opts.Parser,
		branchSelector:  opts.BranchSelector,
		search:          opts.Search,
		critics:         opts.Critics,
		env:             opts.Env,
		envInjected:     opts.Env != nil,
		hooks:           opts.Hooks,
		logger:          logger,
	}

	if provider, ok := opts.Agent.(registryProvider); ok {
		e.registry = provider.ToolRegistry()
	}
	if provider, ok := opts.Agent.(modelProvider); ok {
		e.model = provider.ModelClient()
	}
	if e.gate == nil {
		e.gate = NewValidationGate()
	}
	if e.recovery == nil {
		e.recovery = NewRecoveryPolicy(logger)
	}
	if e.branchSelector == nil {
		e.branchSelector = search.FirstCandidate{}
	}
	if opts.StopCriteria == nil {
		e.defaultCrit = true
		e.stopCriteria = defaultStopCriteria(e.budget)
	} else {
		e.stopCriteria = opts.StopCriteria
	}
	if e.registry != nil {
		e.executor = NewActionExecutor(e.registry, entity.DefaultExecutionPolicy(), logger)
	}
	return e, nil
}

// RegisterHook adds a lifecycle hook.
func (e *Engine) RegisterHook(h Hook) { e.hooks = append(e.hooks, h) }

// Env returns the engine's active environment (nil when env-less).
func (e *Engine) Env() env.Env { return e.env }

// Run drives one task to termination. The task is either a plain objective
// string or an *entity.Task; options flow into AgentModule.InitState.
func (e *Engine) Run(ctx context.Context, task any, options map[string]any) (*RunResult, error) {
	taskObj, taskText, err := normalizeTask(task)
	if err != nil {
		return nil, err
	}
	if options == nil {
		options = map[string]any{}
	}

	// Clear per-run state so one engine instance is reusable.
	e.events = nil
	e.records = nil
	e.lastEnvObs = nil
	e.lastEnvRes = nil
	e.activeTask = taskObj
	e.taskText = taskText
	e.phases = newPhaseMachine()
	e.recovery.Reset()
	if !e.envInjected {
		e.env = nil
	}

	e.applyTaskBudget(taskObj)

	state, err := e.agent.InitState(taskText, options)
	if err != nil {
		return nil, fmt.Errorf("init state: %w", err)
	}
	e.state = state
	e.startedAt = time.Now()
	e.guard = NewCostGuard(e.budget.MaxTokens, time.Duration(e.budget.MaxRuntimeSeconds*float64(time.Second)), e.logger)

	if e.memory != nil {
		runID := ""
		if e.trace != nil {
			runID = e.trace.RunID()
		}
		e.memory.Reset(runID)
	}

	runContext := map[string]any{"task": taskText}
	e.setupToolsets(ctx, runContext)
	e.setupEnv(ctx, taskObj, options)

	e.emit(0, PhaseInit, true, map[string]any{
		"task":    taskText,
		"task_id": taskID(taskObj),
		"env":     env.Identity(e.env),
	}, "")
	e.notifyRunStart(taskText, state)

	if issues := e.validateTaskResources(taskObj, options); issues != nil {
		state.Base().SetStop(entity.StopTaskValidationFailed, "")
		e.transition(PhaseEnd)
		e.emit(0, PhaseEnd, false, map[string]any{
			"stop_reason": string(entity.StopTaskValidationFailed),
			"issues":      issues,
		}, "")
		return e.finishRun(ctx, runContext), nil
	}

	stepID := 0
	for {
		state = e.state // reduce may have swapped the state object
		if reason, exhausted := e.budgetExhausted(ctx, stepID); exhausted {
			state.Base().SetStop(reason, "")
			e.transition(PhaseEnd)
			e.emit(stepID, PhaseEnd, false, map[string]any{"stop_reason": string(reason)}, "")
			break
		}

		if err := e.gate.Check(state); err != nil {
			if !e.recover(PhaseObserve, stepID, err) {
				e.transition(PhaseEnd)
				e.emit(stepID, PhaseEnd, false, map[string]any{"stop_reason": string(state.Base().StopReason)}, "")
				break
			}
			stepID = e.advance(stepID)
			continue
		}

		record := &StepRecord{StepID: stepID, StateDiff: map[string]any{}}
		e.records = append(e.records, record)

		envView := e.buildEnvView(stepID)
		e.notifyHook(func(h Hook) {
			h.OnBeforeStep(&HookContext{Task: taskText, StepID: stepID, Phase: PhaseObserve, State: state, EnvView: envView, Record: record})
		})

		failedPhase, err := e.runStepPhases(ctx, record, envView)
		state = e.state
		if err != nil {
			if !e.recover(failedPhase, stepID, err) {
				e.finalizeStep(record)
				e.transition(PhaseEnd)
				e.emit(stepID, PhaseEnd, false, map[string]any{"stop_reason": string(state.Base().StopReason)}, "")
				break
			}
			e.finalizeStep(record)
			e.notifyHook(func(h Hook) {
				h.OnAfterStep(&HookContext{Task: taskText, StepID: stepID, Phase: PhaseRecover, State: state, Record: record, StopReason: state.Base().StopReason})
			})
			stepID = e.advance(stepID)
			continue
		}

		criticAction := e.applyCritics(record)
		if criticAction == criticpkg.Stop {
			state.Base().SetStop(entity.StopCriticStop, "")
			e.finalizeStep(record)
			e.notifyHook(func(h Hook) {
				h.OnAfterStep(&HookContext{Task: taskText, StepID: stepID, Phase: PhaseCritic, State: state, Record: record, StopReason: state.Base().StopReason})
			})
			e.transition(PhaseEnd)
			e.emit(stepID, PhaseEnd, true, map[string]any{"stop_reason": string(state.Base().StopReason)}, "")
			break
		}
		if criticAction == criticpkg.Retry {
			e.finalizeStep(record)
			e.notifyHook(func(h Hook) {
				h.OnAfterStep(&HookContext{Task: taskText, StepID: stepID, Phase: PhaseCritic, State: state, Record: record})
			})
			stepID = e.advance(stepID)
			continue
		}

		stop := e.runCheckStop(record.Decision, stepID)
		e.finalizeStep(record)
		e.notifyHook(func(h Hook) {
			h.OnAfterStep(&HookContext{Task: taskText, StepID: stepID, Phase: PhaseCheckStop, State: state, Record: record, StopReason: state.Base().StopReason})
		})

		if stop {
			e.transition(PhaseEnd)
			e.emit(stepID, PhaseEnd, true, map[string]any{"stop_reason": string(state.Base().StopReason)}, "")
			break
		}

		stepID = e.advance(stepID)
	}

	return e.finishRun(ctx, runContext), nil
}

// runStepPhases executes OBSERVE -> DECIDE -> ACT -> REDUCE for one step,
// returning the phase that failed alongside the error.
func (e *Engine) runStepPhases(ctx context.Context, record *StepRecord, envView map[string]any) (Phase, error) {
	e.transition(PhaseObserve)
	observation, err := e.runObserve(record, envView)
	if err != nil {
		return PhaseObserve, err
	}

	e.transition(PhaseDecide)
	decision, err := e.runDecide(ctx, record, observation)
	if err != nil {
		e.transition(PhaseDecideError)
		return PhaseDecide, err
	}

	e.transition(PhaseAct)
	actionResults, err := e.runAct(ctx, record, decision)
	if err != nil {
		e.transition(PhaseActError)
		return PhaseAct, err
	}

	e.transition(PhaseReduce)
	if err := e.runReduce(record, observation, decision, actionResults); err != nil {
		return PhaseReduce, err
	}
	return "", nil
}

func (e *Engine) runObserve(record *StepRecord, envView map[string]any) (any, error) {
	e.notifyHook(func(h Hook) {
		h.OnBeforeObserve(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseObserve, State: e.state, EnvView: envView, Record: record})
	})
	e.emit(record.StepID, PhaseObserve, true, map[string]any{"stage": "start"}, "")

	observation, err := e.agent.Observe(e.state, envView)
	if err != nil {
		return nil, err
	}
	record.Observation = observation
	e.memoryAppend("observation", observation, record.StepID, nil)
	e.emit(record.StepID, PhaseObserve, true, map[string]any{
		"stage":       "observation_ready",
		"observation": observation,
		"memory":      envView["memory"],
		"env":         envView["env"],
	}, "")

	e.notifyHook(func(h Hook) {
		h.OnAfterObserve(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseObserve, State: e.state, EnvView: envView, Observation: observation, Record: record})
	})
	return observation, nil
}

func (e *Engine) runDecide(ctx context.Context, record *StepRecord, observation any) (*entity.Decision, error) {
	e.notifyHook(func(h Hook) {
		h.OnBeforeDecide(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseDecide, State: e.state, Observation: observation, Record: record})
	})
	e.emit(record.StepID, PhaseDecide, true, map[string]any{"stage": "start"}, "")

	decision, err := e.agent.Decide(e.state, observation)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		decision, err = e.decideWithModel(ctx, record, observation)
		if err != nil {
			return nil, err
		}
	}

	if decision.Mode == entity.ModeBranch {
		decision, err = e.selectBranch(observation, decision)
		if err != nil {
			return nil, err
		}
	}

	switch decision.Mode {
	case entity.ModeAct, entity.ModeFinal, entity.ModeWait:
	default:
		return nil, entity.NewRuntimeError(entity.ErrParse, string(PhaseDecide), record.StepID, true,
			fmt.Errorf("invalid decision mode: %q", decision.Mode))
	}
	if err := decision.Validate(); err != nil {
		return nil, entity.NewRuntimeError(entity.ErrParse, string(PhaseDecide), record.StepID, true, err)
	}

	record.Decision = decision
	record.Actions = append([]entity.Action{}, decision.Actions...)
	e.memoryAppend("decision", decision.ToMap(), record.StepID, nil)
	e.emit(record.StepID, PhaseDecide, true, map[string]any{
		"stage":           "decision_ready",
		"mode":            string(decision.Mode),
		"rationale":       decision.Rationale,
		"actions":         record.Actions,
		"final_answer":    decision.FinalAnswer,
		"candidate_count": len(decision.Candidates),
	}, "")

	e.notifyHook(func(h Hook) {
		h.OnAfterDecide(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseDecide, State: e.state, Observation: observation, Decision: decision, Record: record})
	})
	return decision, nil
}

// decideWithModel is the built-in "model + parser" decide path used when the
// agent defers.
func (e *Engine) decideWithModel(ctx context.Context, record *StepRecord, observation any) (*entity.Decision, error) {
	if e.model == nil {
		return nil, fmt.Errorf("agent deferred decide but no model client is configured")
	}
	preparer, ok := e.agent.(Preparer)
	if !ok {
		return nil, fmt.Errorf("agent deferred decide but does not implement Prepare")
	}
	if e.parser == nil {
		return nil, fmt.Errorf("agent deferred decide but no parser is configured")
	}

	var messages []memory.Message
	if prompter, ok := e.agent.(SystemPrompter); ok {
		if system := prompter.BuildSystemPrompt(e.state); system != "" {
			messages = append(messages, memory.Message{Role: "system", Content: system})
		}
	}
	var history []memory.Message
	if e.memory != nil {
		history = e.memory.RetrieveMessages(e.state, observation, map[string]any{})
	}
	messages = append(messages, history...)
	prepared := preparer.Prepare(e.state, observation)
	userMessage := memory.Message{Role: "user", Content: prepared}
	messages = append(messages, userMessage)

	e.emit(record.StepID, PhaseDecide, true, map[string]any{
		"stage":                 "model_input",
		"prepared":              prepared,
		"history_message_count": len(history),
		"messages":              messages,
	}, "")
	e.memoryAppend("message", map[string]any{"role": "user", "content": prepared}, record.StepID, map[string]any{"source": "engine"})
	e.memoryAppend("model_input", map[string]any{"messages": messages}, record.StepID, nil)

	for _, m := range messages {
		_ = e.guard.AddTokens(EstimateTokens(m.Content))
	}

	raw, err := e.model(ctx, messages)
	if err != nil {
		return nil, entity.NewRuntimeError(entity.ErrModel, string(PhaseDecide), record.StepID, true, err)
	}
	_ = e.guard.AddTokens(EstimateTokens(raw))

	e.emit(record.StepID, PhaseDecide, true, map[string]any{"stage": "model_output", "raw_output": raw}, "")
	e.memoryAppend("message", map[string]any{"role": "assistant", "content": raw}, record.StepID, map[string]any{"source": "engine"})
	e.memoryAppend("model_output", raw, record.StepID, nil)

	decision, err := e.parser.Parse(raw, map[string]any{"step": record.StepID})
	if err != nil {
		return nil, entity.NewRuntimeError(entity.ErrParse, string(PhaseDecide), record.StepID, true, err)
	}
	return decision, nil
}

// selectBranch resolves a branch decision through the search adapter, or the
// branch selector when no search is configured. Recurses while the selection
// is itself a branch.
func (e *Engine) selectBranch(observation any, branch *entity.Decision) (*entity.Decision, error) {
	if err := branch.Validate(); err != nil {
		return nil, entity.NewRuntimeError(entity.ErrParse, string(PhaseDecide), e.state.Base().CurrentStep, true, err)
	}

	var selected *entity.Decision
	if e.search != nil {
		candidates := e.search.Expand(e.state, observation, branch)
		if len(candidates) == 0 {
			candidates = append([]*entity.Decision{}, branch.Candidates...)
		}
		scores := e.search.Score(e.state, observation, candidates)
		kept, err := e.search.Prune(candidates, scores)
		if err != nil {
			return nil, err
		}
		if len(kept) == 0 {
			e.state = e.search.Backtrack(e.state)
			return entity.Wait("search backtrack"), nil
		}
		rescored := e.search.Score(e.state, observation, kept)
		selected, err = e.search.Select(kept, rescored)
		if err != nil {
			return nil, err
		}
		if marker, ok := e.search.(search.VisitMarker); ok {
			marker.MarkSelected(e.state, selected)
		}
	} else {
		var err error
		selected, err = e.branchSelector.Select(branch.Candidates, e.state, observation)
		if err != nil {
			return nil, err
		}
	}

	if selected.Mode == entity.ModeBranch {
		return e.selectBranch(observation, selected)
	}
	if err := selected.Validate(); err != nil {
		return nil, entity.NewRuntimeError(entity.ErrParse, string(PhaseDecide), e.state.Base().CurrentStep, true, err)
	}
	return selected, nil
}

func (e *Engine) runAct(ctx context.Context, record *StepRecord, decision *entity.Decision) ([]any, error) {
	e.notifyHook(func(h Hook) {
		h.OnBeforeAct(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseAct, State: e.state, Decision: decision, Record: record})
	})
	e.emit(record.StepID, PhaseAct, true, map[string]any{"stage": "start"}, "")

	if decision.Mode != entity.ModeAct {
		e.emit(record.StepID, PhaseAct, true, map[string]any{"stage": "skipped", "reason": "decision_not_act"}, "")
		return nil, nil
	}

	if e.executor == nil {
		return nil, fmt.Errorf("no tool registry configured for action execution")
	}

	execution := e.executor.Execute(ctx, decision.Actions, e.env, e.state)

	record.ToolInvocations = record.ToolInvocations[:0]
	for _, item := range execution {
		record.ToolInvocations = append(record.ToolInvocations, map[string]any{
			"tool_name":       item.Metadata["tool_name"],
			"toolset_name":    item.Metadata["toolset_name"],
			"toolset_version": item.Metadata["toolset_version"],
			"source":          item.Metadata["source"],
			"attempts":        item.Attempts,
			"latency_ms":      item.LatencyMS,
			"status":          string(item.Status),
			"error_category":  item.Metadata["error_category"],
			"error":           item.Error,
		})
	}

	results := make([]any, 0, len(execution)+1)
	for _, r := range execution {
		if r.Status == entity.StatusSuccess {
			results = append(results, r.Output)
		} else {
			results = append(results, map[string]any{"error": r.Error})
		}
	}

	if e.env != nil {
		if envResult := e.runEnvStep(ctx, decision, results); envResult != nil {
			results = append(results, map[string]any{"env": envResult.ToMap()})
		}
	}

	record.ActionResults = results
	for _, item := range results {
		e.memoryAppend("action_result", item, record.StepID, nil)
	}
	e.emit(record.StepID, PhaseAct, true, map[string]any{
		"stage":            "action_results",
		"tool_invocations": record.ToolInvocations,
		"action_results":   results,
	}, "")

	e.notifyHook(func(h Hook) {
		h.OnAfterAct(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseAct, State: e.state, Decision: decision, ActionResults: results, Record: record})
	})
	return results, nil
}

func (e *Engine) runEnvStep(ctx context.Context, decision *entity.Decision, actionResults []any) *env.StepResult {
	input := env.StepInput{
		DecisionMode:  string(decision.Mode),
		Actions:       decision.Actions,
		FinalAnswer:   decision.FinalAnswer,
		ActionResults: actionResults,
	}
	result, err := e.env.Step(ctx, input, e.state)
	if err != nil {
		errResult := &env.StepResult{
			Observation: env.Observation{Data: map[string]any{"error": err.Error()}},
			Error:       err.Error(),
		}
		e.lastEnvRes = errResult
		e.lastEnvObs = &errResult.Observation
		e.emit(e.state.Base().CurrentStep, PhaseAct, false, map[string]any{"stage": "env_step_error"}, err.Error())
		return errResult
	}
	if result == nil {
		return nil
	}
	e.lastEnvRes = result
	e.lastEnvObs = &result.Observation
	e.emit(e.state.Base().CurrentStep, PhaseAct, true, map[string]any{
		"stage":      "env_step",
		"env_result": result.ToMap(),
	}, "")
	return result
}

func (e *Engine) runReduce(record *StepRecord, observation any, decision *entity.Decision, actionResults []any) error {
	e.notifyHook(func(h Hook) {
		h.OnBeforeReduce(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseReduce, State: e.state, Observation: observation, Decision: decision, ActionResults: actionResults, Record: record})
	})
	e.emit(record.StepID, PhaseReduce, true, map[string]any{"stage": "start"}, "")

	before := e.state.ToMap()
	newState, err := e.agent.Reduce(e.state, observation, decision, actionResults)
	if err != nil {
		return err
	}
	if newState != nil {
		e.state = newState
	}
	after := e.state.ToMap()
	record.StateDiff = computeStateDiff(before, after)

	e.emit(record.StepID, PhaseReduce, true, map[string]any{
		"stage":      "state_reduced",
		"state_diff": record.StateDiff,
	}, "")
	e.notifyHook(func(h Hook) {
		h.OnAfterReduce(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseReduce, State: e.state, Observation: observation, Decision: decision, ActionResults: actionResults, Record: record, Payload: map[string]any{"state_diff": record.StateDiff}})
	})
	return nil
}

// applyCritics runs the critic chain; the first non-continue verdict wins.
func (e *Engine) applyCritics(record *StepRecord) string {
	e.transition(PhaseCritic)
	if len(e.critics) == 0 {
		return criticpkg.Continue
	}
	e.notifyHook(func(h Hook) {
		h.OnBeforeCritic(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseCritic, State: e.state, Decision: record.Decision, ActionResults: record.ActionResults, Record: record})
	})
	e.emit(record.StepID, PhaseCritic, true, map[string]any{"stage": "start", "critic_count": len(e.critics)}, "")

	outputs := make([]map[string]any, 0, len(e.critics))
	verdicts := make([]criticpkg.Verdict, 0, len(e.critics))
	for _, c := range e.critics {
		verdict := c.Evaluate(e.state, record.Decision, record.ActionResults)
		verdicts = append(verdicts, verdict)
		outputs = append(outputs, verdict.ToMap())
	}
	record.CriticOutputs = outputs
	e.emit(record.StepID, PhaseCritic, true, map[string]any{"stage": "outputs", "critic_outputs": outputs}, "")

	result := criticpkg.Continue
	for _, verdict := range verdicts {
		if verdict.Action == criticpkg.Stop || verdict.Action == criticpkg.Retry {
			result = verdict.Action
			e.emit(record.StepID, PhaseCritic, true, map[string]any{"stage": verdict.Action, "reason": verdict.Reason}, "")
			break
		}
	}
	if result == criticpkg.Continue {
		e.emit(record.StepID, PhaseCritic, true, map[string]any{"stage": "pass"}, "")
	}
	e.notifyHook(func(h Hook) {
		h.OnAfterCritic(&HookContext{Task: e.taskText, StepID: record.StepID, Phase: PhaseCritic, State: e.state, Decision: record.Decision, ActionResults: record.ActionResults, Record: record, Payload: map[string]any{"critic_outputs": outputs, "result": result}})
	})
	return result
}

// runCheckStop applies the termination precedence: final decision, agent
// condition, env terminal, then stop criteria.
func (e *Engine) runCheckStop(decision *entity.Decision, stepID int) bool {
	e.transition(PhaseCheckStop)
	base := e.state.Base()
	e.notifyHook(func(h Hook) {
		h.OnBeforeCheckStop(&HookContext{Task: e.taskText, StepID: stepID, Phase: PhaseCheckStop, State: e.state, Decision: decision})
	})
	e.emit(base.CurrentStep, PhaseCheckStop, true, map[string]any{"stage": "start"}, "")

	stop := false
	switch {
	case decision != nil && decision.Mode == entity.ModeFinal:
		base.SetStop(entity.StopFinal, decision.FinalAnswer)
		stop = true
	case e.agentShouldStop():
		if base.StopReason == "" {
			base.SetStop(entity.StopAgentCondition, "")
		}
		stop = true
	case e.env != nil && e.env.IsTerminal(e.state, e.lastEnvRes):
		if base.StopReason == "" {
			base.SetStop(entity.StopEnvTerminal, "")
		}
		stop = true
	default:
		tokens, elapsed := e.guard.Usage()
		info := RuntimeInfo{
			ElapsedSeconds: elapsed.Seconds(),
			Budget:         e.budget,
			TokensUsed:     tokens,
		}
		for _, criteria := range e.stopCriteria {
			hit, reason, detail := criteria.ShouldStop(e.state, stepID, info)
			if hit {
				if base.StopReason == "" {
					if reason == "" {
						reason = entity.StopMaxSteps
					}
					base.SetStop(reason, "")
				}
				e.logger.Debug("stop criteria hit", zap.String("reason", string(reason)), zap.String("detail", detail))
				stop = true
				break
			}
		}
	}

	payload := map[string]any{"stage": "continue"}
	if stop {
		payload = map[string]any{
			"stage":        "stop",
			"stop_reason":  string(base.StopReason),
			"final_result": base.FinalResult,
		}
	}
	e.emit(base.CurrentStep, PhaseCheckStop, true, payload, "")
	e.notifyHook(func(h Hook) {
		h.OnAfterCheckStop(&HookContext{Task: e.taskText, StepID: stepID, Phase: PhaseCheckStop, State: e.state, Decision: decision, StopReason: base.StopReason, Payload: payload})
	})
	return stop
}

func (e *Engine) agentShouldStop() bool {
	if stopper, ok := e.agent.(Stopper); ok {
		return stopper.ShouldStop(e.state)
	}
	return false
}

// budgetExhausted is the gate ahead of each step: step, wall-clock, and
// token budgets plus external cancellation.
func (e *Engine) budgetExhausted(ctx context.Context, stepID int) (entity.StopReason, bool) {
	if ctx.Err() != nil {
		if e.guard.CheckTime() != nil {
			return entity.StopBudgetTime, true
		}
		return entity.StopUnrecoverable, true
	}
	if stepID >= e.budget.MaxSteps {
		return entity.StopBudgetSteps, true
	}
	if e.guard.CheckTime() != nil {
		return entity.StopBudgetTime, true
	}
	if e.guard.OverTokenBudget() {
		return entity.StopBudgetTokens, true
	}
	return "", false
}

// recover arbitrates a phase failure. Returns true when the run continues.
func (e *Engine) recover(phase Phase, stepID int, err error) bool {
	e.notifyHook(func(h Hook) {
		h.OnRecover(&HookContext{Task: e.taskText, StepID: stepID, Phase: phase, State: e.state, Err: err, StopReason: e.state.Base().StopReason})
	})
	switch phase {
	case PhaseDecide:
		e.emit(stepID, PhaseDecideError, false, map[string]any{}, err.Error())
	case PhaseAct:
		e.emit(stepID, PhaseActError, false, map[string]any{}, err.Error())
	}
	e.transition(PhaseRecover)
	e.emit(stepID, PhaseRecover, false, map[string]any{}, err.Error())

	if e.recoveryHandler != nil {
		e.recoveryHandler(e.state, phase, err)
	}

	decision := e.recovery.Handle(phase, stepID, err)
	base := e.state.Base()
	if decision.StopReason != "" {
		base.SetStop(decision.StopReason, "")
	}
	if !decision.ContinueRun && base.StopReason == "" {
		base.SetStop(entity.StopUnrecoverable, "")
	}
	return decision.ContinueRun
}

// advance moves the run to the next step.
func (e *Engine) advance(stepID int) int {
	if err := e.state.Base().AdvanceStep(); err != nil {
		e.logger.Warn("advance step", zap.Error(err))
	}
	return stepID + 1
}

// transition asserts phase ordering; violations are programming errors and
// logged rather than fatal.
func (e *Engine) transition(to Phase) {
	if err := e.phases.transition(to); err != nil {
		e.logger.Warn("phase ordering violation", zap.Error(err))
		e.phases.current = to
	}
}

func (e *Engine) buildEnvView(stepID int) map[string]any {
	elapsed := time.Since(e.startedAt).Seconds()
	view := map[string]any{
		"step_id":         stepID,
		"elapsed_seconds": elapsed,
		"budget": map[string]any{
			"max_steps":           e.budget.MaxSteps,
			"max_runtime_seconds": e.budget.MaxRuntimeSeconds,
			"max_tokens":          e.budget.MaxTokens,
		},
		"metadata": e.state.Base().Metadata,
		"memory":   e.buildMemoryContext(stepID, elapsed),
		"env":      e.envPayload(),
	}
	if e.activeTask != nil {
		view["task"] = e.activeTask.ToMap()
	} else {
		view["task"] = map[string]any{"objective": e.taskText}
	}
	return view
}

func (e *Engine) buildMemoryContext(stepID int, elapsedSeconds float64) map[string]any {
	if e.memory == nil {
		return map[string]any{"enabled": false, "records": []any{}, "summary": ""}
	}

	query := map[string]any{"format": "records", "max_items": 8}
	if builder, ok := e.agent.(MemoryQueryBuilder); ok {
		if custom := builder.BuildMemoryQuery(e.state, map[string]any{
			"step_id":         stepID,
			"elapsed_seconds": elapsedSeconds,
			"metadata":        e.state.Base().Metadata,
		}); custom != nil {
			query = custom
			if _, ok := query["format"]; !ok {
				query["format"] = "records"
			}
		}
	}

	records := e.memory.Retrieve(query, e.state, nil)
	maxItems := 8
	if v, ok := query["max_items"].(int); ok && v > 0 {
		maxItems = v
	}
	summary := e.memory.Summarize(maxItems)

	rendered := make([]any, 0, len(records))
	for _, r := range records {
		rendered = append(rendered, r.ToMap())
	}
	return map[string]any{
		"enabled": true,
		"query":   query,
		"records": rendered,
		"summary": summary,
	}
}

func (e *Engine) envPayload() map[string]any {
	if e.env == nil {
		return map[string]any{"enabled": false}
	}
	payload := env.Identity(e.env)
	if e.lastEnvObs != nil {
		payload["observation"] = map[string]any{"data": e.lastEnvObs.Data, "metadata": e.lastEnvObs.Metadata}
	} else {
		payload["observation"] = nil
	}
	payload["last_result"] = e.lastEnvRes.ToMap()
	return payload
}

func (e *Engine) setupEnv(ctx context.Context, taskObj *entity.Task, options map[string]any) {
	if e.env == nil && taskObj != nil && taskObj.EnvSpec != nil {
		workspace, _ := options["workspace"].(string)
		e.env = env.FromSpec(taskObj.EnvSpec, workspace)
	}
	if e.env == nil {
		return
	}
	workspace, _ := options["workspace"].(string)
	first, err := e.env.Reset(ctx, taskObj, workspace)
	if err != nil {
		obs := env.Observation{Data: map[string]any{"error": err.Error()}}
		e.lastEnvObs = &obs
		e.lastEnvRes = &env.StepResult{Observation: obs, Error: err.Error()}
		return
	}
	e.lastEnvObs = &first
	e.lastEnvRes = &env.StepResult{Observation: first, Info: map[string]any{"source": "reset"}}
}

func (e *Engine) validateTaskResources(taskObj *entity.Task, options map[string]any) []any {
	if taskObj == nil {
		return nil
	}
	workspace, _ := options["workspace"].(string)
	issues := taskObj.ValidateResources(workspace)
	if len(issues) == 0 {
		return nil
	}
	rendered := make([]any, 0, len(issues))
	for _, issue := range issues {
		rendered = append(rendered, map[string]any{
			"kind":    issue.Kind,
			"path":    issue.Path,
			"problem": issue.Problem,
		})
	}
	return rendered
}

// applyTaskBudget resets to the base budget then applies task overrides.
// Default stop criteria follow the effective budget.
func (e *Engine) applyTaskBudget(taskObj *entity.Task) {
	e.budget = e.baseBudget
	if taskObj != nil {
		if taskObj.Budget.HasMaxSteps || taskObj.Budget.MaxSteps > 0 {
			e.budget.MaxSteps = taskObj.Budget.MaxSteps
		}
		if taskObj.Budget.MaxRuntimeSeconds > 0 {
			e.budget.MaxRuntimeSeconds = taskObj.Budget.MaxRuntimeSeconds
		}
		if taskObj.Budget.MaxTokens > 0 {
			e.budget.MaxTokens = taskObj.Budget.MaxTokens
		}
	}
	if e.defaultCrit {
		e.stopCriteria = defaultStopCriteria(e.budget)
	}
}

func (e *Engine) setupToolsets(ctx context.Context, runContext map[string]any) {
	if e.registry == nil {
		return
	}
	e.writeLifecycleEvent("toolset_setup_start", runContext, true, "")
	if err := e.registry.Setup(ctx, runContext); err != nil {
		e.writeLifecycleEvent("toolset_setup_error", runContext, false, err.Error())
		return
	}
	e.writeLifecycleEvent("toolset_setup_end", runContext, true, "")
}

func (e *Engine) teardownToolsets(ctx context.Context, runContext map[string]any) {
	if e.registry == nil {
		return
	}
	e.writeLifecycleEvent("toolset_teardown_start", runContext, true, "")
	if err := e.registry.Teardown(ctx, runContext); err != nil {
		e.writeLifecycleEvent("toolset_teardown_error", runContext, false, err.Error())
		return
	}
	e.writeLifecycleEvent("toolset_teardown_end", runContext, true, "")
}

func (e *Engine) finishRun(ctx context.Context, runContext map[string]any) *RunResult {
	if e.env != nil {
		if err := e.env.Close(); err != nil {
			e.logger.Warn("env close", zap.Error(err))
		}
	}
	e.teardownToolsets(ctx, runContext)

	base := e.state.Base()
	if e.trace != nil {
		status := "completed"
		if base.StopReason == entity.StopUnrecoverable {
			status = "failed"
		}
		summary := map[string]any{
			"stop_reason":    string(base.StopReason),
			"final_result":   base.FinalResult,
			"steps":          len(e.records),
			"failure_report": e.recovery.FailureReport(base.StopReason),
		}
		if err := e.trace.Finalize(status, summary); err != nil {
			e.logger.Error("trace finalize", zap.Error(err))
		}
	}

	result := &RunResult{
		State:     e.state,
		Records:   e.records,
		Events:    e.events,
		StepCount: len(e.records),
	}
	e.notifyHook(func(h Hook) { h.OnRunEnd(result) })
	e.activeTask = nil
	e.taskText = ""
	e.lastEnvObs = nil
	e.lastEnvRes = nil
	return result
}

// finalizeStep writes the step to the trace and fans out OnStepEnd.
func (e *Engine) finalizeStep(record *StepRecord) {
	if e.trace != nil {
		if err := e.trace.WriteStep(stepToTrace(record)); err != nil {
			e.logger.Error("trace write step", zap.Error(err))
		}
	}
	e.notifyHook(func(h Hook) { h.OnStepEnd(record, e.state) })
}

// emit appends one runtime event, mirrors it to the trace, and notifies
// OnEvent hooks.
func (e *Engine) emit(stepID int, phase Phase, ok bool, payload map[string]any, errMsg string) {
	if payload == nil {
		payload = map[string]any{}
	}
	event := Event{StepID: stepID, Phase: phase, OK: ok, Payload: payload, Error: errMsg, TS: time.Now().UTC()}
	e.events = append(e.events, event)

	var record *StepRecord
	if len(e.records) > 0 && e.records[len(e.records)-1].StepID == stepID {
		record = e.records[len(e.records)-1]
		record.PhaseEvents = append(record.PhaseEvents, event)
	}
	if e.trace != nil {
		if err := e.trace.WriteEvent(eventToTrace(e.trace.RunID(), event)); err != nil {
			e.logger.Error("trace write event", zap.Error(err))
		}
	}
	e.notifyHook(func(h Hook) { h.OnEvent(event, e.state, record) })
}

// writeLifecycleEvent records registry lifecycle transitions directly into
// the trace with a sanitized payload.
func (e *Engine) writeLifecycleEvent(phase string, payload map[string]any, ok bool, errMsg string) {
	if e.trace == nil {
		return
	}
	event := map[string]any{
		"run_id":  e.trace.RunID(),
		"step_id": 0,
		"phase":   phase,
		"ok":      ok,
		"payload": sanitizePayload(payload),
		"error":   nil,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		event["error"] = errMsg
	}
	if err := e.trace.WriteEvent(event); err != nil {
		e.logger.Error("trace write lifecycle event", zap.Error(err))
	}
}

func (e *Engine) memoryAppend(role string, content any, stepID int, metadata map[string]any) {
	if e.memory == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	e.memory.Append(memory.Record{Role: role, Content: content, StepID: stepID, Metadata: metadata})
}

func (e *Engine) notifyHook(fn func(h Hook)) {
	for _, h := range e.hooks {
		h := h
		dispatchHook(func() { fn(h) })
	}
}

func (e *Engine) notifyRunStart(task string, state entity.AgentState) {
	e.notifyHook(func(h Hook) { h.OnRunStart(task, state) })
}

// computeStateDiff returns per-key before/after for every changed key.
func computeStateDiff(before, after map[string]any) map[string]any {
	diff := map[string]any{}
	keys := map[string]bool{}
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}
	for k := range keys {
		b, a := before[k], after[k]
		if !reflect.DeepEqual(b, a) {
			diff[k] = map[string]any{"before": b, "after": a}
		}
	}
	return diff
}

// eventToTrace renders a runtime event into the trace wire shape.
func eventToTrace(runID string, event Event) map[string]any {
	var errField any
	if event.Error != "" {
		errField = event.Error
	}
	return map[string]any{
		"run_id":  runID,
		"step_id": event.StepID,
		"phase":   string(event.Phase),
		"ok":      event.OK,
		"payload": sanitizePayload(event.Payload),
		"error":   errField,
		"ts":      event.TS.Format(time.RFC3339Nano),
	}
}

// stepToTrace renders a step record into the trace wire shape.
func stepToTrace(record *StepRecord) map[string]any {
	actions := make([]any, 0, len(record.Actions))
	for _, a := range record.Actions {
		actions = append(actions, a.ToMap())
	}
	invocations := make([]any, 0, len(record.ToolInvocations))
	for _, inv := range record.ToolInvocations {
		invocations = append(invocations, inv)
	}
	critics := make([]any, 0, len(record.CriticOutputs))
	for _, c := range record.CriticOutputs {
		critics = append(critics, c)
	}
	results := record.ActionResults
	if results == nil {
		results = []any{}
	}
	return map[string]any{
		"step_id":          record.StepID,
		"observation":      sanitizeValue(record.Observation),
		"decision":         record.Decision.ToMap(),
		"actions":          actions,
		"action_results":   sanitizeValue(results),
		"tool_invocations": invocations,
		"critic_outputs":   critics,
		"state_diff":       record.StateDiff,
	}
}

// sanitizePayload keeps payloads JSON-serializable: non-JSON values are
// replaced by their string representation.
func sanitizePayload(payload map[string]any) map[string]any {
	safe := make(map[string]any, len(payload))
	for k, v := range payload {
		safe[k] = sanitizeValue(v)
	}
	return safe
}

func sanitizeValue(v any) any {
	switch value := v.(type) {
	case nil, string, bool, int, int64, float64:
		return value
	case float32:
		return float64(value)
	case map[string]any:
		return sanitizePayload(value)
	case []any:
		out := make([]any, 0, len(value))
		for _, item := range value {
			out = append(out, sanitizeValue(item))
		}
		return out
	case entity.Action:
		return value.ToMap()
	case entity.ActionResult:
		return value.ToMap()
	case *entity.Decision:
		return value.ToMap()
	case memory.Message:
		return map[string]any{"role": value.Role, "content": value.Content}
	case []memory.Message:
		out := make([]any, 0, len(value))
		for _, m := range value {
			out = append(out, map[string]any{"role": m.Role, "content": m.Content})
		}
		return out
	case []entity.Action:
		out := make([]any, 0, len(value))
		for _, a := range value {
			out = append(out, a.ToMap())
		}
		return out
	case []map[string]any:
		out := make([]any, 0, len(value))
		for _, m := range value {
			out = append(out, sanitizePayload(m))
		}
		return out
	default:
		return fmt.Sprintf("%v", value)
	}
}

func normalizeTask(task any) (*entity.Task, string, error) {
	switch t := task.(type) {
	case string:
		return nil, t, nil
	case *entity.Task:
		if err := t.Validate(); err != nil {
			return nil, "", err
		}
		return t, t.Objective, nil
	case entity.Task:
		if err := t.Validate(); err != nil {
			return nil, "", err
		}
		return &t, t.Objective, nil
	}
	return nil, "", fmt.Errorf("task must be a string or *entity.Task, got %T", task)
}

func taskID(taskObj *entity.Task) any {
	if taskObj == nil {
		return nil
	}
	return taskObj.ID
}
