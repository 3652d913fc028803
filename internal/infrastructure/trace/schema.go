package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// SchemaValidator enforces the required-field contract on trace artifacts.
type SchemaValidator struct{}

// NewSchemaValidator returns the validator.
func NewSchemaValidator() *SchemaValidator { return &SchemaValidator{} }

var (
	requiredManifestFields = []string{
		"schema_version", "run_id", "status", "step_count", "event_count",
		"summary", "model_id", "prompt_hash", "tool_versions", "seed",
		"run_config_hash", "updated_at",
	}
	requiredSummaryFields = []string{"stop_reason", "final_result", "steps", "failure_report"}
	requiredEventFields   = []string{"run_id", "step_id", "phase", "ok", "ts"}
	requiredStepFields    = []string{
		"step_id", "observation", "decision", "actions", "action_results",
		"tool_invocations", "critic_outputs", "state_diff",
	}
	manifestStatuses = map[string]bool{"running": true, "completed": true, "failed": true}
)

// ValidateManifest checks manifest required fields, status, and summary.
func (v *SchemaValidator) ValidateManifest(manifest map[string]any) error {
	if err := requireFields(manifest, requiredManifestFields, "manifest"); err != nil {
		return err
	}
	status, _ := manifest["status"].(string)
	if !manifestStatuses[status] {
		return fmt.Errorf("manifest status must be running/completed/failed, got %q", status)
	}
	summary, ok := manifest["summary"].(map[string]any)
	if !ok {
		return fmt.Errorf("manifest.summary must be an object")
	}
	if err := requireFields(summary, requiredSummaryFields, "manifest.summary"); err != nil {
		return err
	}
	if reason, ok := summary["stop_reason"].(string); ok && reason != "" {
		if !entity.ValidStopReason(entity.StopReason(reason)) {
			return fmt.Errorf("manifest.summary.stop_reason %q is not a valid stop reason", reason)
		}
	}
	return nil
}

// ValidateEvents checks every event line.
func (v *SchemaValidator) ValidateEvents(events []map[string]any) error {
	for i, event := range events {
		if err := requireFields(event, requiredEventFields, fmt.Sprintf("event[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSteps checks every step line.
func (v *SchemaValidator) ValidateSteps(steps []map[string]any) error {
	for i, step := range steps {
		if err := requireFields(step, requiredStepFields, fmt.Sprintf("step[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func requireFields(payload map[string]any, required []string, name string) error {
	var missing []string
	for _, key := range required {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s missing required fields: %v", name, missing)
	}
	return nil
}

// readJSON loads one JSON object file.
func readJSON(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return payload, nil
}

// readJSONL loads a newline-delimited JSON file; a missing file is empty.
func readJSONL(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var rows []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("decode line in %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	return rows, scanner.Err()
}
