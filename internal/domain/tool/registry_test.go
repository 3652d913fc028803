package tool

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func addSpec(name string) Spec {
	return Spec{
		Name:        name,
		Description: "add two integers",
		Parameters: map[string]ParamSpec{
			"a": {Type: "integer"},
			"b": {Type: "integer"},
		},
		Required: []string{"a", "b"},
	}
}

func addFunc(_ context.Context, args map[string]any, _ *RunContext) (any, error) {
	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)
	ai, aok := args["a"].(int)
	bi, bok := args["b"].(int)
	if aok && bok {
		return ai + bi, nil
	}
	return int(a) + int(b), nil
}

type mathToolset struct {
	BaseToolset
	setupCalls    int
	teardownCalls int
	failSetup     bool
}

func (ts *mathToolset) Name() string    { return "math" }
func (ts *mathToolset) Version() string { return "1.2" }
func (ts *mathToolset) Tools() []Tool {
	return []Tool{NewFunc(addSpec("add"), addFunc)}
}
func (ts *mathToolset) Setup(context.Context, map[string]any) error {
	ts.setupCalls++
	if ts.failSetup {
		return errors.New("setup exploded")
	}
	return nil
}
func (ts *mathToolset) Teardown(context.Context, map[string]any) error {
	ts.teardownCalls++
	return nil
}

// === Registration ===

func TestRegistry_CollisionRejected(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.RegisterFunc(addSpec("add"), addFunc); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.RegisterFunc(addSpec("add"), addFunc)
	if err == nil || !strings.Contains(err.Error(), "collision") {
		t.Errorf("expected collision error, got %v", err)
	}
}

func TestRegistry_ToolsetNamespacing(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.RegisterToolset(&mathToolset{}); err != nil {
		t.Fatalf("register toolset: %v", err)
	}

	if !r.Has("math.add") {
		t.Fatalf("expected math.add registered, have %v", r.ListTools())
	}
	if r.Has("add") {
		t.Error("unnamespaced name should not resolve")
	}

	desc, err := r.Describe("math.add")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	origin := desc["origin"].(map[string]any)
	if origin["source"] != "toolset" || origin["toolset_name"] != "math" || origin["toolset_version"] != "1.2" {
		t.Errorf("origin wrong: %v", origin)
	}

	if got := r.ListToolsets(); len(got) != 1 || got[0] != "math" {
		t.Errorf("toolsets: %v", got)
	}
}

func TestRegistry_CustomNamespace(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.RegisterToolset(&mathToolset{}, "calc"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Has("calc.add") {
		t.Errorf("expected calc.add, have %v", r.ListTools())
	}
}

// === Arg validation ===

func TestRegistry_ValidateArgs(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.RegisterFunc(addSpec("add"), addFunc); err != nil {
		t.Fatal(err)
	}

	if err := r.ValidateArgs("add", map[string]any{"a": 1, "b": 2}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := r.ValidateArgs("add", map[string]any{"a": 1}); err == nil {
		t.Error("missing required arg accepted")
	}
	if err := r.ValidateArgs("add", map[string]any{"a": "one", "b": 2}); err == nil {
		t.Error("wrong arg type accepted")
	}
	if err := r.ValidateArgs("nope", nil); err == nil {
		t.Error("unknown tool accepted")
	}
}

func TestRegistry_AnyTypedParamUnconstrained(t *testing.T) {
	r := NewRegistry(nil)
	spec := Spec{
		Name:       "store",
		Parameters: map[string]ParamSpec{"value": {Type: "any"}},
	}
	if err := r.RegisterFunc(spec, func(_ context.Context, args map[string]any, _ *RunContext) (any, error) {
		return args["value"], nil
	}); err != nil {
		t.Fatal(err)
	}
	for _, value := range []any{1, "text", true, map[string]any{"k": "v"}} {
		if err := r.ValidateArgs("store", map[string]any{"value": value}); err != nil {
			t.Errorf("any-typed param rejected %#v: %v", value, err)
		}
	}
}

// === Invocation ===

func TestRegistry_Call(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.RegisterFunc(addSpec("add"), addFunc); err != nil {
		t.Fatal(err)
	}
	out, err := r.Call(context.Background(), "add", map[string]any{"a": 40, "b": 2})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != 42 {
		t.Errorf("expected 42, got %v", out)
	}

	if _, err := r.Call(context.Background(), "missing", nil); err == nil {
		t.Error("unknown tool should fail")
	}
}

// === Lifecycle ===

func TestRegistry_SetupRunsOncePerRun(t *testing.T) {
	r := NewRegistry(nil)
	ts := &mathToolset{}
	if err := r.RegisterToolset(ts); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := r.Setup(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Setup(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if ts.setupCalls != 1 {
		t.Errorf("setup should run once, ran %d times", ts.setupCalls)
	}

	if err := r.Teardown(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if ts.teardownCalls != 1 {
		t.Errorf("teardown should run once, ran %d times", ts.teardownCalls)
	}

	// teardown re-arms setup for the next run
	if err := r.Setup(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if ts.setupCalls != 2 {
		t.Errorf("setup should run again after teardown, ran %d times", ts.setupCalls)
	}
}

// === Specs ===

func TestRegistry_AllSpecs(t *testing.T) {
	r := NewRegistry(nil)
	spec := addSpec("add")
	spec.Permissions = Permission{Network: true}
	if err := r.RegisterFunc(spec, addFunc); err != nil {
		t.Fatal(err)
	}

	specs := r.AllSpecs()
	if len(specs) != 1 {
		t.Fatalf("expected one spec, got %d", len(specs))
	}
	fn := specs[0]["function"].(map[string]any)
	if fn["name"] != "add" {
		t.Errorf("name: %v", fn["name"])
	}
	params := fn["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Errorf("parameters.type: %v", params["type"])
	}
	perms := specs[0]["permissions"].(map[string]any)
	if perms["network"] != true {
		t.Errorf("permissions lost: %v", perms)
	}

	text := r.Descriptions()
	if !strings.Contains(text, "## add") || !strings.Contains(text, "a (integer)") {
		t.Errorf("descriptions missing fields:\n%s", text)
	}
}
