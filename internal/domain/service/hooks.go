package service

import (
	"github.com/Qitor/qitos/internal/domain/entity"
)

// HookContext is the payload handed to lifecycle hooks.
type HookContext struct {
	Task          string
	StepID        int
	Phase         Phase
	State         entity.AgentState
	EnvView       map[string]any
	Observation   any
	Decision      *entity.Decision
	ActionResults []any
	Record        *StepRecord
	Payload       map[string]any
	Err           error
	StopReason    entity.StopReason
}

// Hook receives engine lifecycle callbacks. All methods are optional;
// embed NoOpHook and override what you need. Hooks run synchronously on the
// engine goroutine and must not block; a panicking hook is swallowed so one
// broken hook cannot crash the run.
type Hook interface {
	OnRunStart(task string, state entity.AgentState)
	OnRunEnd(result *RunResult)

	OnBeforeStep(ctx *HookContext)
	OnAfterStep(ctx *HookContext)

	OnBeforeObserve(ctx *HookContext)
	OnAfterObserve(ctx *HookContext)
	OnBeforeDecide(ctx *HookContext)
	OnAfterDecide(ctx *HookContext)
	OnBeforeAct(ctx *HookContext)
	OnAfterAct(ctx *HookContext)
	OnBeforeReduce(ctx *HookContext)
	OnAfterReduce(ctx *HookContext)
	OnBeforeCritic(ctx *HookContext)
	OnAfterCritic(ctx *HookContext)
	OnBeforeCheckStop(ctx *HookContext)
	OnAfterCheckStop(ctx *HookContext)

	OnRecover(ctx *HookContext)
	OnEvent(event Event, state entity.AgentState, record *StepRecord)
	OnStepEnd(record *StepRecord, state entity.AgentState)
}

// NoOpHook is the default no-op implementation of every callback.
type NoOpHook struct{}

func (NoOpHook) OnRunStart(string, entity.AgentState) {}
func (NoOpHook) OnRunEnd(*RunResult) {}
func (NoOpHook) OnBeforeStep(*HookContext) {}
func (NoOpHook) OnAfterStep(*HookContext) {}
func (NoOpHook) OnBeforeObserve(*HookContext) {}
func (NoOpHook) OnAfterObserve(*HookContext) {}
func (NoOpHook) OnBeforeDecide(*HookContext) {}
func (NoOpHook) OnAfterDecide(*HookContext) {}
func (NoOpHook) OnBeforeAct(*HookContext) {}
func (NoOpHook) OnAfterAct(*HookContext) {}
func (NoOpHook) OnBeforeReduce(*HookContext) {}
func (NoOpHook) OnAfterReduce(*HookContext) {}
func (NoOpHook) OnBeforeCritic(*HookContext) {}
func (NoOpHook) OnAfterCritic(*HookContext) {}
func (NoOpHook) OnBeforeCheckStop(*HookContext) {}
func (NoOpHook) OnAfterCheckStop(*HookContext) {}
func (NoOpHook) OnRecover(*HookContext) {}
func (NoOpHook) OnEvent(Event, entity.AgentState, *StepRecord) {}
func (NoOpHook) OnStepEnd(*StepRecord, entity.AgentState) {}

// dispatchHook invokes fn, swallowing panics so hook failures never surface
// as run failures.
func dispatchHook(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
