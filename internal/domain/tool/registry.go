package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// registration couples a tool with its provenance and compiled arg schema.
type registration struct {
	tool   Tool
	origin Origin
	schema *jsonschema.Schema
}

// Registry catalogs tools and toolsets with thread-safe access. Tool names
// are unique; registering a colliding name fails. Toolset tools register
// under "{namespace}.{name}". After Setup the registry is treated as
// read-only by the executor for the duration of a run.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]registration
	toolsets  []Toolset
	setupDone bool
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tools: map[string]registration{}, logger: logger}
}

// Register adds one tool with function provenance.
func (r *Registry) Register(t Tool) error {
	return r.register(t, Origin{Source: "function"}, "")
}

// RegisterFunc adds a function tool built from a spec and callable.
func (r *Registry) RegisterFunc(spec Spec, fn func(ctx context.Context, args map[string]any, rc *RunContext) (any, error)) error {
	return r.Register(NewFunc(spec, fn))
}

// Provider exposes a set of tools without toolset lifecycle or namespacing.
// It is the Go rendition of reflective tool discovery on an object: the
// provider enumerates its tool-marked methods explicitly.
type Provider interface {
	Tools() []Tool
}

// Include registers every tool the provider exposes, with function
// provenance and no namespace.
func (r *Registry) Include(p Provider) error {
	for _, t := range p.Tools() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterToolset registers every tool of the toolset under the namespace
// (default: the toolset name). The toolset joins the lifecycle list.
func (r *Registry) RegisterToolset(ts Toolset, namespace ...string) error {
	prefix := ts.Name()
	if len(namespace) > 0 {
		prefix = namespace[0]
	}
	origin := Origin{Source: "toolset", ToolsetName: ts.Name(), ToolsetVersion: ts.Version()}
	for _, t := range ts.Tools() {
		if err := r.register(t, origin, prefix); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.toolsets = append(r.toolsets, ts)
	r.mu.Unlock()
	return nil
}

func (r *Registry) register(t Tool, origin Origin, prefix string) error {
	spec := t.Spec()
	name := spec.Name
	if name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	if prefix != "" {
		name = prefix + "." + name
	}

	schema, err := compileArgSchema(spec)
	if err != nil {
		return fmt.Errorf("compile arg schema for tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool name collision: %q is already registered", name)
	}
	r.tools[name] = registration{tool: namedTool{Tool: t, name: name}, origin: origin, schema: schema}
	r.logger.Debug("registered tool",
		zap.String("tool", name),
		zap.String("source", origin.Source),
	)
	return nil
}

// namedTool overrides the spec name, used for namespaced toolset tools.
type namedTool struct {
	Tool
	name string
}

func (n namedTool) Spec() Spec {
	s := n.Tool.Spec()
	s.Name = n.name
	return s
}

// Get retrieves a tool by its registered name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Has reports whether the name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// ListTools returns all registered tool names, sorted.
func (r *Registry) ListTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListToolsets returns the registered toolset names in registration order.
func (r *Registry) ListToolsets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.toolsets))
	for _, ts := range r.toolsets {
		names = append(names, ts.Name())
	}
	return names
}

// Describe returns the tool description with origin metadata.
func (r *Registry) Describe(name string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}
	spec := reg.tool.Spec()
	return map[string]any{
		"name":        spec.Name,
		"description": spec.Description,
		"origin": map[string]any{
			"source":          reg.origin.Source,
			"toolset_name":    reg.origin.ToolsetName,
			"toolset_version": reg.origin.ToolsetVersion,
		},
	}, nil
}

// Origin returns the provenance of a registered tool.
func (r *Registry) Origin(name string) (Origin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.origin, ok
}

// ValidateArgs checks args against the tool's parameter schema.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool %q not found", name)
	}
	if reg.schema == nil {
		return nil
	}
	doc, err := roundTripJSON(args)
	if err != nil {
		return fmt.Errorf("encode args for tool %q: %w", name, err)
	}
	if err := reg.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid args for tool %q: %w", name, err)
	}
	return nil
}

// Call invokes a tool directly with no runtime context.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	return r.Execute(ctx, name, args, nil)
}

// Execute invokes a tool with the given runtime context after validating
// args against the tool's parameter schema.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, rc *RunContext) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}
	if err := r.ValidateArgs(name, args); err != nil {
		return nil, err
	}
	return t.Execute(ctx, args, rc)
}

// Setup runs every toolset's setup once per run. The first error aborts.
func (r *Registry) Setup(ctx context.Context, runContext map[string]any) error {
	r.mu.Lock()
	if r.setupDone {
		r.mu.Unlock()
		return nil
	}
	toolsets := append([]Toolset{}, r.toolsets...)
	r.mu.Unlock()

	for _, ts := range toolsets {
		if err := ts.Setup(ctx, runContext); err != nil {
			return fmt.Errorf("setup toolset %q: %w", ts.Name(), err)
		}
	}

	r.mu.Lock()
	r.setupDone = true
	r.mu.Unlock()
	return nil
}

// Teardown runs toolset teardowns in reverse registration order. Errors are
// collected rather than aborting so every toolset gets its teardown.
func (r *Registry) Teardown(ctx context.Context, runContext map[string]any) error {
	r.mu.Lock()
	toolsets := append([]Toolset{}, r.toolsets...)
	r.setupDone = false
	r.mu.Unlock()

	var errs []string
	for i := len(toolsets) - 1; i >= 0; i-- {
		if err := toolsets[i].Teardown(ctx, runContext); err != nil {
			r.logger.Warn("toolset teardown failed",
				zap.String("toolset", toolsets[i].Name()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", toolsets[i].Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("teardown errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AllSpecs returns a serializable description of every tool, used to render
// tool schemas into prompts and traces.
func (r *Registry) AllSpecs() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]map[string]any, 0, len(names))
	for _, name := range names {
		reg := r.tools[name]
		spec := reg.tool.Spec()
		properties := map[string]any{}
		for pname, p := range spec.Parameters {
			properties[pname] = map[string]any{"type": p.Type, "description": p.Description}
		}
		specs = append(specs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters": map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   spec.Required,
				},
			},
			"origin": map[string]any{
				"source":          reg.origin.Source,
				"toolset_name":    reg.origin.ToolsetName,
				"toolset_version": reg.origin.ToolsetVersion,
			},
			"permissions": map[string]any{
				"filesystem_read":  spec.Permissions.FilesystemRead,
				"filesystem_write": spec.Permissions.FilesystemWrite,
				"network":          spec.Permissions.Network,
				"command":          spec.Permissions.Command,
			},
		})
	}
	return specs
}

// Descriptions renders a human-readable catalog of all tools for prompts.
func (r *Registry) Descriptions() string {
	var sb strings.Builder
	for _, name := range r.ListTools() {
		t, _ := r.Get(name)
		origin, _ := r.Origin(name)
		spec := t.Spec()
		fmt.Fprintf(&sb, "## %s\n", spec.Name)
		fmt.Fprintf(&sb, "Description: %s\n", spec.Description)
		fmt.Fprintf(&sb, "Source: %s\n", origin.Source)
		if origin.ToolsetName != "" {
			fmt.Fprintf(&sb, "Toolset: %s@%s\n", origin.ToolsetName, origin.ToolsetVersion)
		}
		sb.WriteString("Parameters:\n")
		params := make([]string, 0, len(spec.Parameters))
		for pname := range spec.Parameters {
			params = append(params, pname)
		}
		sort.Strings(params)
		for _, pname := range params {
			fmt.Fprintf(&sb, "  - %s (%s)\n", pname, spec.Parameters[pname].Type)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// compileArgSchema builds a JSON schema validator from the spec parameters.
// Parameters typed "any" (or untyped) are accepted without a type constraint.
func compileArgSchema(spec Spec) (*jsonschema.Schema, error) {
	properties := map[string]any{}
	for name, p := range spec.Parameters {
		prop := map[string]any{}
		switch p.Type {
		case "", "any":
			// unconstrained
		default:
			prop["type"] = p.Type
		}
		properties[name] = prop
	}
	required := spec.Required
	if required == nil {
		required = []string{}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}

	decoded, err := roundTripJSON(doc)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", decoded); err != nil {
		return nil, err
	}
	return compiler.Compile("tool.json")
}

// roundTripJSON re-decodes a Go value through JSON so number representations
// match what the schema validator expects.
func roundTripJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
