package entity

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Budget bounds a run. Zero values mean "no limit" for time/tokens; MaxSteps
// zero means "use the engine default". A task-supplied budget overrides the
// engine defaults for that run only.
type Budget struct {
	MaxSteps          int     `json:"max_steps,omitempty" yaml:"max_steps"`
	MaxRuntimeSeconds float64 `json:"max_runtime_seconds,omitempty" yaml:"max_runtime_seconds"`
	MaxTokens         int64   `json:"max_tokens,omitempty" yaml:"max_tokens"`
	HasMaxSteps       bool    `json:"-" yaml:"-"`
}

// Resource is an input artifact a task depends on.
type Resource struct {
	Kind     string `json:"kind" yaml:"kind"`
	Path     string `json:"path" yaml:"path"`
	MountTo  string `json:"mount_to,omitempty" yaml:"mount_to"`
	Required bool   `json:"required" yaml:"required"`
}

// EnvSpec names the environment type a task wants, with free-form config.
// Type is resolved through the env factory registry: in this repository
// hostenv registers repo, host and local; any other tag (docker, container,
// text_web_env included) yields no environment unless a factory for it has
// been registered.
type EnvSpec struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config"`
}

// Task is a fully described unit of work.
type Task struct {
	ID              string     `json:"id" yaml:"id"`
	Objective       string     `json:"objective" yaml:"objective"`
	Resources       []Resource `json:"resources,omitempty" yaml:"resources"`
	EnvSpec         *EnvSpec   `json:"env_spec,omitempty" yaml:"env_spec"`
	Budget          Budget     `json:"budget" yaml:"budget"`
	SuccessCriteria []string   `json:"success_criteria,omitempty" yaml:"success_criteria"`
}

// Validate checks the structural task invariants.
func (t *Task) Validate() error {
	if t.Objective == "" {
		return fmt.Errorf("task objective must not be empty")
	}
	for i, r := range t.Resources {
		if r.Path == "" {
			return fmt.Errorf("task resource %d has empty path", i)
		}
	}
	return nil
}

// ResourceIssue describes one failed resource check.
type ResourceIssue struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Problem string `json:"problem"`
}

// ValidateResources resolves required resource paths against the workspace
// and reports every missing one. Optional resources never fail validation.
func (t *Task) ValidateResources(workspace string) []ResourceIssue {
	var issues []ResourceIssue
	for _, r := range t.Resources {
		if !r.Required {
			continue
		}
		path := r.Path
		if !filepath.IsAbs(path) && workspace != "" {
			path = filepath.Join(workspace, path)
		}
		if _, err := os.Stat(path); err != nil {
			issues = append(issues, ResourceIssue{Kind: r.Kind, Path: r.Path, Problem: err.Error()})
		}
	}
	return issues
}

// ToMap renders the task for env views and traces.
func (t *Task) ToMap() map[string]any {
	resources := make([]any, 0, len(t.Resources))
	for _, r := range t.Resources {
		resources = append(resources, map[string]any{
			"kind": r.Kind, "path": r.Path, "mount_to": r.MountTo, "required": r.Required,
		})
	}
	out := map[string]any{
		"id":               t.ID,
		"objective":        t.Objective,
		"resources":        resources,
		"success_criteria": t.SuccessCriteria,
		"budget": map[string]any{
			"max_steps":           t.Budget.MaxSteps,
			"max_runtime_seconds": t.Budget.MaxRuntimeSeconds,
			"max_tokens":          t.Budget.MaxTokens,
		},
	}
	if t.EnvSpec != nil {
		out["env_spec"] = map[string]any{"type": t.EnvSpec.Type, "config": t.EnvSpec.Config}
	}
	return out
}

// TaskFromMap rebuilds a task from its map rendering.
func TaskFromMap(payload map[string]any) (*Task, error) {
	t := &Task{
		ID:        asString(payload["id"]),
		Objective: asString(payload["objective"]),
	}
	if items, ok := payload["resources"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			required, _ := m["required"].(bool)
			t.Resources = append(t.Resources, Resource{
				Kind:     asString(m["kind"]),
				Path:     asString(m["path"]),
				MountTo:  asString(m["mount_to"]),
				Required: required,
			})
		}
	}
	switch items := payload["success_criteria"].(type) {
	case []any:
		for _, item := range items {
			t.SuccessCriteria = append(t.SuccessCriteria, asString(item))
		}
	case []string:
		t.SuccessCriteria = append(t.SuccessCriteria, items...)
	}
	if b, ok := payload["budget"].(map[string]any); ok {
		if v, ok := asInt(b["max_steps"]); ok && v > 0 {
			t.Budget.MaxSteps = v
			t.Budget.HasMaxSteps = true
		}
		switch v := b["max_runtime_seconds"].(type) {
		case float64:
			t.Budget.MaxRuntimeSeconds = v
		case int:
			t.Budget.MaxRuntimeSeconds = float64(v)
		}
		if v, ok := asInt(b["max_tokens"]); ok {
			t.Budget.MaxTokens = int64(v)
		}
	}
	if e, ok := payload["env_spec"].(map[string]any); ok {
		spec := &EnvSpec{Type: asString(e["type"])}
		if cfg, ok := e["config"].(map[string]any); ok {
			spec.Config = cfg
		}
		t.EnvSpec = spec
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTaskFile reads a task definition from a YAML file.
func LoadTaskFile(path string) (*Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var t Task
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task file %s: %w", path, err)
	}
	if t.Budget.MaxSteps > 0 {
		t.Budget.HasMaxSteps = true
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
