package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// JSON parses {"mode": ...} decision payloads. Leading/trailing noise around
// the outermost object is tolerated.
type JSON struct{}

// NewJSON returns the JSON decision parser.
func NewJSON() *JSON { return &JSON{} }

// Parse implements Parser.
func (p *JSON) Parse(raw string, _ map[string]any) (*entity.Decision, error) {
	payload, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	mode, _ := payload["mode"].(string)
	rationale, _ := payload["rationale"].(string)
	meta, _ := payload["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}

	switch entity.DecisionMode(strings.TrimSpace(mode)) {
	case entity.ModeAct:
		actions, err := decodeActions(payload)
		if err != nil {
			return nil, err
		}
		d := entity.Act(actions, rationale)
		d.Meta = meta
		return d, nil
	case entity.ModeFinal:
		answer, _ := payload["final_answer"].(string)
		if answer == "" {
			return nil, fmt.Errorf("json parser: final decision requires final_answer")
		}
		d := entity.Final(answer, rationale)
		d.Meta = meta
		return d, nil
	case entity.ModeWait:
		d := entity.Wait(rationale)
		d.Meta = meta
		return d, nil
	}
	return nil, fmt.Errorf("json parser: unsupported decision mode: %q", mode)
}

// decodeObject decodes raw into a JSON object, stripping any noise around
// the outermost braces.
func decodeObject(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("json parser: empty output")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		return payload, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err == nil {
			return payload, nil
		}
	}
	return nil, fmt.Errorf("json parser: invalid JSON output")
}

// decodeActions reads "actions" (list of objects or call-literal strings) or
// the singular "action" form.
func decodeActions(payload map[string]any) ([]entity.Action, error) {
	var out []entity.Action

	appendItem := func(item any) {
		switch v := item.(type) {
		case map[string]any:
			if a, err := entity.ActionFromMap(v); err == nil {
				out = append(out, a)
			}
		case string:
			if parsed, ok := ParseActionAny(v); ok {
				if a, err := entity.ActionFromMap(parsed); err == nil {
					out = append(out, a)
				}
			}
		}
	}

	if items, ok := payload["actions"].([]any); ok {
		for _, item := range items {
			appendItem(item)
		}
	}
	if len(out) == 0 {
		if item, ok := payload["action"]; ok {
			appendItem(item)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("json parser: act decision carries no parsable actions")
	}
	return out, nil
}
