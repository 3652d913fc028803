package tool

import (
	"context"

	"github.com/Qitor/qitos/internal/domain/entity"
	"github.com/Qitor/qitos/internal/domain/env"
)

// Permission declares what a tool is allowed to touch. Flags are carried in
// the serialized spec so harnesses can gate registration.
type Permission struct {
	FilesystemRead  bool `json:"filesystem_read"`
	FilesystemWrite bool `json:"filesystem_write"`
	Network         bool `json:"network"`
	Command         bool `json:"command"`
}

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Spec is the static description of a tool: identity, parameter schema,
// execution defaults, permission flags, and the env capability groups the
// tool needs at dispatch time.
type Spec struct {
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Parameters     map[string]ParamSpec `json:"parameters"`
	Required       []string             `json:"required"`
	TimeoutSeconds float64              `json:"timeout_s,omitempty"`
	MaxRetries     int                  `json:"max_retries,omitempty"`
	Permissions    Permission           `json:"permissions"`
	RequiredOps    []string             `json:"required_ops,omitempty"`
}

// RunContext is the runtime context injected into tool execution: the
// environment, the run state, and the resolved ops groups the tool declared
// in RequiredOps. Tools pull what they need from it explicitly.
type RunContext struct {
	Env   env.Env
	State entity.AgentState
	Ops   map[string]any
}

// FileOps returns the "file" ops group, if resolved.
func (c *RunContext) FileOps() any {
	if c == nil {
		return nil
	}
	return c.Ops["file"]
}

// ProcessOps returns the "process" ops group, if resolved.
func (c *RunContext) ProcessOps() any {
	if c == nil {
		return nil
	}
	return c.Ops["process"]
}

// Tool is a named, parameter-typed callable with declared permissions and
// required capability groups.
type Tool interface {
	// Spec returns the static tool description.
	Spec() Spec

	// Execute invokes the tool. rc may be nil for direct registry calls
	// that carry no runtime context.
	Execute(ctx context.Context, args map[string]any, rc *RunContext) (any, error)
}

// Func adapts a plain function to the Tool interface.
type Func struct {
	spec Spec
	fn   func(ctx context.Context, args map[string]any, rc *RunContext) (any, error)
}

// NewFunc builds a function tool from a spec and a callable.
func NewFunc(spec Spec, fn func(ctx context.Context, args map[string]any, rc *RunContext) (any, error)) *Func {
	if spec.Parameters == nil {
		spec.Parameters = map[string]ParamSpec{}
	}
	return &Func{spec: spec, fn: fn}
}

// Spec implements Tool.
func (f *Func) Spec() Spec { return f.spec }

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, args map[string]any, rc *RunContext) (any, error) {
	return f.fn(ctx, args, rc)
}

// Toolset groups tools sharing lifecycle and a name/version identity.
// Setup and Teardown run once per registry per run.
type Toolset interface {
	Name() string
	Version() string
	Tools() []Tool
	Setup(ctx context.Context, runContext map[string]any) error
	Teardown(ctx context.Context, runContext map[string]any) error
}

// BaseToolset provides a no-op lifecycle for toolsets that only carry tools.
type BaseToolset struct{}

func (BaseToolset) Setup(context.Context, map[string]any) error    { return nil }
func (BaseToolset) Teardown(context.Context, map[string]any) error { return nil }

// Origin records where a registered tool came from.
type Origin struct {
	Source         string `json:"source"` // function | toolset
	ToolsetName    string `json:"toolset_name,omitempty"`
	ToolsetVersion string `json:"toolset_version,omitempty"`
}
