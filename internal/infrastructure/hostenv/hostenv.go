// Package hostenv is the local-machine environment: a workspace-rooted
// filesystem plus process execution, exposed as the "file" and "process"
// ops groups. Importing the package registers the repo, host, and local
// EnvSpec type tags.
package hostenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Qitor/qitos/internal/domain/entity"
	"github.com/Qitor/qitos/internal/domain/env"
)

func init() {
	factory := func(config map[string]any, workspace string) (env.Env, error) {
		return New(workspace)
	}
	env.RegisterType("host", factory)
	env.RegisterType("local", factory)
	env.RegisterType("repo", factory)
}

// HostEnv runs tasks directly on the local machine inside one workspace
// root. It never terminates a run on its own.
type HostEnv struct {
	workspaceRoot string
	fileOps       *FileOps
	processOps    *ProcessOps
	lastInput     *env.StepInput
}

// New builds a host environment rooted at workspaceRoot (default: cwd).
func New(workspaceRoot string) (*HostEnv, error) {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &HostEnv{
		workspaceRoot: root,
		fileOps:       &FileOps{root: root},
		processOps:    &ProcessOps{root: root},
	}, nil
}

// Name implements env.Env.
func (h *HostEnv) Name() string { return "host" }

// Version implements env.Env.
func (h *HostEnv) Version() string { return "1" }

// Reset implements env.Env: ensures the workspace exists and returns the
// initial observation.
func (h *HostEnv) Reset(ctx context.Context, task *entity.Task, workspace string) (env.Observation, error) {
	if workspace != "" {
		root, err := filepath.Abs(workspace)
		if err != nil {
			return env.Observation{}, fmt.Errorf("resolve workspace: %w", err)
		}
		h.workspaceRoot = root
		h.fileOps.root = root
		h.processOps.root = root
	}
	if err := os.MkdirAll(h.workspaceRoot, 0o755); err != nil {
		return env.Observation{}, fmt.Errorf("prepare workspace: %w", err)
	}
	h.lastInput = nil
	return h.Observe(ctx, nil)
}

// Observe implements env.Env: a listing of the workspace root.
func (h *HostEnv) Observe(_ context.Context, _ entity.AgentState) (env.Observation, error) {
	entries, err := os.ReadDir(h.workspaceRoot)
	if err != nil {
		return env.Observation{}, fmt.Errorf("observe workspace: %w", err)
	}
	names := make([]any, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return env.Observation{
		Data: map[string]any{
			"workspace_root": h.workspaceRoot,
			"entries":        names,
		},
	}, nil
}

// Step implements env.Env: the host applies no side effects of its own, it
// just acknowledges the executed decision.
func (h *HostEnv) Step(ctx context.Context, input env.StepInput, state entity.AgentState) (*env.StepResult, error) {
	h.lastInput = &input
	observation, err := h.Observe(ctx, state)
	if err != nil {
		return nil, err
	}
	return &env.StepResult{
		Observation: observation,
		Info: map[string]any{
			"decision_mode": input.DecisionMode,
			"action_count":  len(input.Actions),
		},
	}, nil
}

// IsTerminal implements env.Env.
func (h *HostEnv) IsTerminal(entity.AgentState, *env.StepResult) bool { return false }

// Ops implements env.Env.
func (h *HostEnv) Ops(group string) any {
	switch group {
	case "file":
		return h.fileOps
	case "process":
		return h.processOps
	}
	return nil
}

// Close implements env.Env.
func (h *HostEnv) Close() error { return nil }

// FileOps is the "file" capability group: path access confined to the
// workspace root.
type FileOps struct {
	root string
}

// Resolve maps a relative path into the workspace, rejecting escapes.
func (f *FileOps) Resolve(path string) (string, error) {
	resolved := filepath.Join(f.root, path)
	if resolved != f.root && !strings.HasPrefix(resolved, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return resolved, nil
}

// Read returns a workspace file's contents.
func (f *FileOps) Read(path string) (string, error) {
	resolved, err := f.Resolve(path)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Write replaces a workspace file's contents, creating parent directories.
func (f *FileOps) Write(path, content string) error {
	resolved, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

// List returns the entry names under a workspace directory.
func (f *FileOps) List(path string) ([]string, error) {
	resolved, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// ProcessOps is the "process" capability group: command execution with the
// workspace as working directory.
type ProcessOps struct {
	root string
}

// RunResult is one executed command's outcome.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes a command line via the shell, bounded by timeout (zero means
// no bound beyond the caller's context).
func (p *ProcessOps) Run(ctx context.Context, command string, timeout time.Duration) (*RunResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = p.root

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
