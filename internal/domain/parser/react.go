package parser

import (
	"fmt"
	"strings"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// ReAct parses line-oriented "Thought / Action / Final Answer" output. The
// recognized keywords are configurable aliases; matching is case- and
// separator-insensitive ("Final Answer", "final_answer", "FINAL-ANSWER" all
// hit the same block).
type ReAct struct {
	ThoughtKeys    []string
	ReflectionKeys []string
	ActionKeys     []string
	FinalKeys      []string
}

// NewReAct returns a parser with the default keyword aliases.
func NewReAct() *ReAct {
	return &ReAct{
		ThoughtKeys:    []string{"thought", "thinking", "think", "rationale"},
		ReflectionKeys: []string{"reflection", "reflect", "self reflection"},
		ActionKeys:     []string{"action", "tool", "call"},
		FinalKeys:      []string{"final answer", "final", "answer"},
	}
}

// Parse implements Parser. A Final Answer block wins over any action block;
// otherwise the first action block (or a bare call literal) becomes a
// single-action act decision.
func (p *ReAct) Parse(raw string, _ map[string]any) (*entity.Decision, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("react parser: empty model output")
	}

	blocks := extractLabeledBlocks(text)
	thought := firstBlockValue(blocks, p.ThoughtKeys)
	reflection := firstBlockValue(blocks, p.ReflectionKeys)
	finalAnswer := firstBlockValue(blocks, p.FinalKeys)
	actionBlob := firstBlockValue(blocks, p.ActionKeys)

	meta := map[string]any{}
	if reflection != "" {
		meta["reflection"] = reflection
	}

	if finalAnswer != "" {
		d := entity.Final(finalAnswer, thought)
		d.Meta = meta
		return d, nil
	}

	payload, ok := ParseActionAny(actionBlob)
	if !ok {
		payload, ok = ParseActionAny(text)
	}
	if !ok {
		return nil, fmt.Errorf("react parser: no action or final answer found")
	}

	action, err := entity.ActionFromMap(payload)
	if err != nil {
		return nil, fmt.Errorf("react parser: %w", err)
	}
	d := entity.Act([]entity.Action{action}, thought)
	d.Meta = meta
	return d, nil
}
