package hostenv_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Qitor/qitos/internal/domain/entity"
	"github.com/Qitor/qitos/internal/domain/service"
	"github.com/Qitor/qitos/internal/domain/tool"
	"github.com/Qitor/qitos/internal/infrastructure/hostenv"
)

// readerAgent reads one workspace file through the "file" ops group, then
// finishes with its contents.
type readerAgent struct {
	service.BaseAgent
	content string
}

func (a *readerAgent) InitState(task string, _ map[string]any) (entity.AgentState, error) {
	return entity.NewState(task, 10), nil
}

func (a *readerAgent) Observe(_ entity.AgentState, envView map[string]any) (any, error) {
	return envView["env"], nil
}

func (a *readerAgent) Decide(state entity.AgentState, _ any) (*entity.Decision, error) {
	if state.Base().CurrentStep == 0 {
		return entity.Act([]entity.Action{entity.NewAction("read_file", map[string]any{"path": "note.txt"})}, ""), nil
	}
	return entity.Final(a.content, ""), nil
}

func (a *readerAgent) Reduce(_ entity.AgentState, _ any, _ *entity.Decision, results []any) (entity.AgentState, error) {
	if len(results) > 0 {
		if text, ok := results[0].(string); ok {
			a.content = text
		}
	}
	return nil, nil
}

// === Engine resolves the env from the task spec and injects ops ===

func TestEngine_HostEnvFromTaskSpec(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "note.txt"), []byte("remember the milk"), 0o644); err != nil {
		t.Fatal(err)
	}

	registry := tool.NewRegistry(nil)
	err := registry.RegisterFunc(tool.Spec{
		Name:        "read_file",
		Description: "read a workspace file",
		Parameters:  map[string]tool.ParamSpec{"path": {Type: "string"}},
		Required:    []string{"path"},
		RequiredOps: []string{"file"},
	}, func(_ context.Context, args map[string]any, rc *tool.RunContext) (any, error) {
		file := rc.FileOps().(*hostenv.FileOps)
		return file.Read(args["path"].(string))
	})
	if err != nil {
		t.Fatal(err)
	}

	agent := &readerAgent{BaseAgent: service.BaseAgent{Registry: registry}}
	engine, err := service.NewEngine(service.Options{Agent: agent})
	if err != nil {
		t.Fatal(err)
	}

	task := &entity.Task{
		ID:        "read-note",
		Objective: "read the note",
		EnvSpec:   &entity.EnvSpec{Type: "host"},
	}
	result, err := engine.Run(context.Background(), task, map[string]any{"workspace": workspace})
	if err != nil {
		t.Fatal(err)
	}

	if result.State.Base().FinalResult != "remember the milk" {
		t.Errorf("final result = %q", result.State.Base().FinalResult)
	}
	if result.Records[0].ActionResults[0] != "remember the milk" {
		t.Errorf("tool output = %v", result.Records[0].ActionResults[0])
	}
}
