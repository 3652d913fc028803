package parser

import (
	"testing"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// === Mode dispatch ===

func TestJSON_Modes(t *testing.T) {
	p := NewJSON()

	d, err := p.Parse(`{"mode":"final","final_answer":"42","rationale":"done"}`, nil)
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if d.Mode != entity.ModeFinal || d.FinalAnswer != "42" || d.Rationale != "done" {
		t.Errorf("final: %+v", d)
	}

	d, err = p.Parse(`{"mode":"act","actions":[{"name":"add","args":{"a":40,"b":2}}]}`, nil)
	if err != nil {
		t.Fatalf("act: %v", err)
	}
	if d.Mode != entity.ModeAct || len(d.Actions) != 1 || d.Actions[0].Name != "add" {
		t.Errorf("act: %+v", d)
	}

	d, err = p.Parse(`{"mode":"wait","rationale":"planning"}`, nil)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if d.Mode != entity.ModeWait {
		t.Errorf("wait: %+v", d)
	}
}

// === Noise tolerance ===

func TestJSON_NoiseAroundObject(t *testing.T) {
	p := NewJSON()
	raw := "Sure! Here is my decision:\n```json\n{\"mode\":\"final\",\"final_answer\":\"ok\"}\n```\nHope that helps."
	d, err := p.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.FinalAnswer != "ok" {
		t.Errorf("expected ok, got %+v", d)
	}
}

// === Alternate action shapes ===

func TestJSON_SingularActionAndCallString(t *testing.T) {
	p := NewJSON()

	d, err := p.Parse(`{"mode":"act","action":{"name":"grep","args":{"pattern":"x"}}}`, nil)
	if err != nil {
		t.Fatalf("singular action: %v", err)
	}
	if d.Actions[0].Name != "grep" {
		t.Errorf("singular action: %+v", d.Actions)
	}

	d, err = p.Parse(`{"mode":"act","actions":["add(a=1, b=2)"]}`, nil)
	if err != nil {
		t.Fatalf("call string: %v", err)
	}
	if d.Actions[0].Name != "add" || d.Actions[0].Args["a"] != 1 {
		t.Errorf("call string: %+v", d.Actions)
	}
}

// === Error paths ===

func TestJSON_Errors(t *testing.T) {
	p := NewJSON()
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "not json", raw: "gibberish"},
		{name: "unknown mode", raw: `{"mode":"ponder"}`},
		{name: "final without answer", raw: `{"mode":"final"}`},
		{name: "act without actions", raw: `{"mode":"act"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Parse(tt.raw, nil); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
