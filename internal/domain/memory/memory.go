// Package memory defines the append-only record store the engine consults
// each step to assemble model inputs.
package memory

import (
	"github.com/Qitor/qitos/internal/domain/entity"
)

// Record is one remembered item.
type Record struct {
	Role     string         `json:"role"`
	Content  any            `json:"content"`
	StepID   int            `json:"step_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToMap renders the record for env views and traces.
func (r Record) ToMap() map[string]any {
	return map[string]any{
		"role":     r.Role,
		"content":  r.Content,
		"step_id":  r.StepID,
		"metadata": r.Metadata,
	}
}

// Message is a chat-shaped retrieval result for model input assembly.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Memory is the pluggable record store. The engine resets it at run start,
// appends at observe/decide/act/result boundaries, retrieves into the env
// view at observe time, and retrieves messages while building model input.
type Memory interface {
	// Append stores one record.
	Append(record Record)

	// Retrieve returns records selected by the query for the env view.
	Retrieve(query map[string]any, state entity.AgentState, observation any) []Record

	// RetrieveMessages returns chat history for the LLM decide path.
	RetrieveMessages(state entity.AgentState, observation any, query map[string]any) []Message

	// Summarize renders a compact textual summary of recent records.
	Summarize(maxItems int) string

	// Evict drops old records, returning how many were removed.
	Evict() int

	// Reset clears the store for a new run.
	Reset(runID string)
}
