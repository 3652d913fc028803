package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// Window is the default in-process memory: a bounded append-only window of
// records. Retrieval returns the most recent records up to the queried
// max_items; messages are reconstructed from records appended with a chat
// role ("message" records carry {role, content} maps).
type Window struct {
	mu       sync.RWMutex
	runID    string
	records  []Record
	capacity int
}

// NewWindow builds a window memory holding at most capacity records
// (<=0 means unbounded).
func NewWindow(capacity int) *Window {
	return &Window{capacity: capacity}
}

// Append implements Memory.
func (w *Window) Append(record Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, record)
	if w.capacity > 0 && len(w.records) > w.capacity {
		w.records = w.records[len(w.records)-w.capacity:]
	}
}

// Retrieve implements Memory: the most recent max_items records (default 8).
func (w *Window) Retrieve(query map[string]any, _ entity.AgentState, _ any) []Record {
	maxItems := queryMaxItems(query, 8)
	w.mu.RLock()
	defer w.mu.RUnlock()
	start := len(w.records) - maxItems
	if start < 0 {
		start = 0
	}
	out := make([]Record, len(w.records)-start)
	copy(out, w.records[start:])
	return out
}

// RetrieveMessages implements Memory: records with role "message" are
// replayed as chat messages in insertion order.
func (w *Window) RetrieveMessages(_ entity.AgentState, _ any, query map[string]any) []Message {
	maxItems := queryMaxItems(query, 0)
	w.mu.RLock()
	defer w.mu.RUnlock()

	var messages []Message
	for _, record := range w.records {
		if record.Role != "message" {
			continue
		}
		payload, ok := record.Content.(map[string]any)
		if !ok {
			continue
		}
		role, _ := payload["role"].(string)
		content, _ := payload["content"].(string)
		if role == "" || content == "" {
			continue
		}
		messages = append(messages, Message{Role: role, Content: content})
	}
	if maxItems > 0 && len(messages) > maxItems {
		messages = messages[len(messages)-maxItems:]
	}
	return messages
}

// Summarize implements Memory: one line per recent record.
func (w *Window) Summarize(maxItems int) string {
	if maxItems <= 0 {
		maxItems = 8
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	start := len(w.records) - maxItems
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	for _, record := range w.records[start:] {
		fmt.Fprintf(&sb, "[step %d] %s: %s\n", record.StepID, record.Role, renderContent(record.Content))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Evict implements Memory: drops everything beyond the capacity window.
func (w *Window) Evict() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.capacity <= 0 || len(w.records) <= w.capacity {
		return 0
	}
	evicted := len(w.records) - w.capacity
	w.records = w.records[evicted:]
	return evicted
}

// Reset implements Memory.
func (w *Window) Reset(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runID = runID
	w.records = nil
}

// Len returns the current record count.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.records)
}

func queryMaxItems(query map[string]any, fallback int) int {
	switch v := query["max_items"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}

func renderContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
