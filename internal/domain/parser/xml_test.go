package parser

import (
	"testing"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// === Mode dispatch ===

func TestXML_Final(t *testing.T) {
	p := NewXML()
	d, err := p.Parse(`<decision mode="final"><final_answer>42</final_answer></decision>`, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Mode != entity.ModeFinal || d.FinalAnswer != "42" {
		t.Errorf("got %+v", d)
	}
}

func TestXML_Act(t *testing.T) {
	p := NewXML()
	raw := `<decision mode="act">
  <action name="add"><arg name="a">40</arg><arg name="b">2</arg></action>
</decision>`
	d, err := p.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Mode != entity.ModeAct || len(d.Actions) != 1 {
		t.Fatalf("got %+v", d)
	}
	action := d.Actions[0]
	if action.Name != "add" || action.Args["a"] != "40" || action.Args["b"] != "2" {
		t.Errorf("got %+v", action)
	}
}

func TestXML_Wait(t *testing.T) {
	p := NewXML()
	d, err := p.Parse(`<decision mode="wait"><rationale>thinking</rationale></decision>`, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Mode != entity.ModeWait || d.Rationale != "thinking" {
		t.Errorf("got %+v", d)
	}
}

// === Error paths ===

func TestXML_Errors(t *testing.T) {
	p := NewXML()
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "not xml", raw: "plain text"},
		{name: "unknown mode", raw: `<decision mode="muse"/>`},
		{name: "final without answer", raw: `<decision mode="final"/>`},
		{name: "act without action", raw: `<decision mode="act"/>`},
		{name: "action without name", raw: `<decision mode="act"><action/></decision>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Parse(tt.raw, nil); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
