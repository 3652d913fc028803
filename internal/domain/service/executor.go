package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Qitor/qitos/internal/domain/entity"
	"github.com/Qitor/qitos/internal/domain/env"
	"github.com/Qitor/qitos/internal/domain/tool"
)

// ActionExecutor executes normalized action batches against a tool registry,
// enforcing retries, latency accounting, and runtime-context injection.
// Execution is serial; the policy's parallel mode is accepted but kept
// serial so result ordering is deterministic across runs.
type ActionExecutor struct {
	registry *tool.Registry
	policy   entity.ExecutionPolicy
	logger   *zap.Logger
}

// NewActionExecutor builds an executor over the registry.
func NewActionExecutor(registry *tool.Registry, policy entity.ExecutionPolicy, logger *zap.Logger) *ActionExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionExecutor{registry: registry, policy: policy, logger: logger}
}

// Execute runs each action in order and returns one result per action.
// Each action executes at most once per call unless its own MaxRetries
// allows reattempts.
func (e *ActionExecutor) Execute(ctx context.Context, actions []entity.Action, environment env.Env, state entity.AgentState) []entity.ActionResult {
	results := make([]entity.ActionResult, 0, len(actions))
	for _, action := range actions {
		results = append(results, e.executeOne(ctx, action, environment, state))
	}
	return results
}

func (e *ActionExecutor) executeOne(ctx context.Context, action entity.Action, environment env.Env, state entity.AgentState) entity.ActionResult {
	start := time.Now()
	meta := e.toolMeta(action.Name)

	t, found := e.registry.Get(action.Name)
	if !found {
		meta["error_category"] = "tool_not_found"
		return entity.ActionResult{
			Name:      action.Name,
			Status:    entity.StatusError,
			Error:     fmt.Sprintf("tool %q not found", action.Name),
			ActionID:  action.ActionID,
			Attempts:  1,
			LatencyMS: latencyMS(start),
			Metadata:  meta,
		}
	}

	rc, err := e.buildRunContext(t, environment, state)
	if err != nil {
		// Unsatisfied required_ops never retry.
		meta["error_category"] = "runtime_error"
		return entity.ActionResult{
			Name:      action.Name,
			Status:    entity.StatusError,
			Error:     err.Error(),
			ActionID:  action.ActionID,
			Attempts:  1,
			LatencyMS: latencyMS(start),
			Metadata:  meta,
		}
	}

	attempts := 0
	var lastErr error
	for attempts <= action.MaxRetries {
		attempts++
		output, err := e.callTool(ctx, t, action, rc)
		if err == nil {
			meta["error_category"] = nil
			return entity.ActionResult{
				Name:      action.Name,
				Status:    entity.StatusSuccess,
				Output:    output,
				ActionID:  action.ActionID,
				Attempts:  attempts,
				LatencyMS: latencyMS(start),
				Metadata:  meta,
			}
		}
		lastErr = err
		e.logger.Debug("tool attempt failed",
			zap.String("tool", action.Name),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
	}

	meta["error_category"] = "runtime_error"
	return entity.ActionResult{
		Name:      action.Name,
		Status:    entity.StatusError,
		Error:     lastErr.Error(),
		ActionID:  action.ActionID,
		Attempts:  attempts,
		LatencyMS: latencyMS(start),
		Metadata:  meta,
	}
}

// callTool applies the per-action timeout, validates args against the tool
// spec, and invokes the tool. Panics surface as errors so a crashing tool
// burns one attempt instead of the run.
func (e *ActionExecutor) callTool(ctx context.Context, t tool.Tool, action entity.Action, rc *tool.RunContext) (output any, err error) {
	if action.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(action.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", action.Name, r)
		}
	}()
	if err := e.registry.ValidateArgs(action.Name, action.Args); err != nil {
		return nil, err
	}
	return t.Execute(ctx, action.Args, rc)
}

// buildRunContext resolves the tool's required ops groups from the env.
// A missing env or missing group is a hard dispatch failure.
func (e *ActionExecutor) buildRunContext(t tool.Tool, environment env.Env, state entity.AgentState) (*tool.RunContext, error) {
	requiredOps := t.Spec().RequiredOps
	ops := map[string]any{}
	if len(requiredOps) > 0 {
		if environment == nil {
			return nil, fmt.Errorf("tool %q requires ops %v but no env was provided", t.Spec().Name, requiredOps)
		}
		for _, group := range requiredOps {
			resolved := environment.Ops(group)
			if resolved == nil {
				return nil, fmt.Errorf("env %q missing required ops group: %s", environment.Name(), group)
			}
			ops[group] = resolved
		}
	}
	return &tool.RunContext{Env: environment, State: state, Ops: ops}, nil
}

func (e *ActionExecutor) toolMeta(name string) map[string]any {
	meta := map[string]any{
		"tool_name":       name,
		"toolset_name":    nil,
		"toolset_version": nil,
		"source":          "unknown",
	}
	if desc, err := e.registry.Describe(name); err == nil {
		origin, _ := desc["origin"].(map[string]any)
		meta["tool_name"] = desc["name"]
		meta["source"] = origin["source"]
		if v, ok := origin["toolset_name"].(string); ok && v != "" {
			meta["toolset_name"] = v
		}
		if v, ok := origin["toolset_version"].(string); ok && v != "" {
			meta["toolset_version"] = v
		}
	}
	return meta
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
