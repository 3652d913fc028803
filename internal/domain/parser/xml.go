package parser

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// XML parses <decision mode="..."> payloads:
//
//	<decision mode="act">
//	  <action name="add"><arg name="a">40</arg><arg name="b">2</arg></action>
//	</decision>
//	<decision mode="final"><final_answer>42</final_answer></decision>
type XML struct{}

// NewXML returns the XML decision parser.
func NewXML() *XML { return &XML{} }

type xmlDecision struct {
	XMLName     xml.Name  `xml:"decision"`
	Mode        string    `xml:"mode,attr"`
	FinalAnswer string    `xml:"final_answer"`
	Rationale   string    `xml:"rationale"`
	Actions     []xmlCall `xml:"action"`
}

type xmlCall struct {
	Name string   `xml:"name,attr"`
	Args []xmlArg `xml:"arg"`
}

type xmlArg struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// Parse implements Parser.
func (p *XML) Parse(raw string, _ map[string]any) (*entity.Decision, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("xml parser: empty output")
	}

	var doc xmlDecision
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("xml parser: %w", err)
	}

	mode := strings.TrimSpace(doc.Mode)
	switch entity.DecisionMode(mode) {
	case entity.ModeFinal:
		answer := strings.TrimSpace(doc.FinalAnswer)
		if answer == "" {
			return nil, fmt.Errorf("xml parser: <final_answer> is required for final mode")
		}
		return entity.Final(answer, strings.TrimSpace(doc.Rationale)), nil
	case entity.ModeAct:
		if len(doc.Actions) == 0 {
			return nil, fmt.Errorf("xml parser: <action> is required for act mode")
		}
		actions := make([]entity.Action, 0, len(doc.Actions))
		for _, call := range doc.Actions {
			name := strings.TrimSpace(call.Name)
			if name == "" {
				return nil, fmt.Errorf("xml parser: <action> requires a name attribute")
			}
			args := map[string]any{}
			for _, arg := range call.Args {
				key := strings.TrimSpace(arg.Name)
				if key == "" {
					continue
				}
				args[key] = strings.TrimSpace(arg.Value)
			}
			actions = append(actions, entity.NewAction(name, args))
		}
		return entity.Act(actions, strings.TrimSpace(doc.Rationale)), nil
	case entity.ModeWait:
		return entity.Wait(strings.TrimSpace(doc.Rationale)), nil
	}
	return nil, fmt.Errorf("xml parser: unsupported decision mode: %q", mode)
}
