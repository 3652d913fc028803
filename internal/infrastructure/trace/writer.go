// Package trace owns the on-disk run record: append-only events.jsonl and
// steps.jsonl plus an atomically rewritten manifest.json, with strict schema
// validation and a replay session over finalized artifacts.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Writer is the single writer of one run directory. Events and steps are
// append-only with a flush after every line so a crash loses at most the
// line in flight; the manifest is the only file rewritten, atomically via
// rename at finalize.
type Writer struct {
	mu             sync.Mutex
	outputDir      string
	runID          string
	schemaVersion  string
	metadata       map[string]any
	strictValidate bool
	logger         *zap.Logger

	runDir       string
	eventsPath   string
	stepsPath    string
	manifestPath string
	eventsFile   *os.File
	stepsFile    *os.File
	eventCount   int
	stepCount    int
	finalized    bool
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	OutputDir      string
	RunID          string // generated when empty
	SchemaVersion  string // default "v1"
	Metadata       map[string]any
	StrictValidate bool
	Logger         *zap.Logger
}

// NewWriter creates the run directory and writes the initial running
// manifest.
func NewWriter(opts WriterOptions) (*Writer, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	schemaVersion := opts.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = "v1"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	w := &Writer{
		outputDir:      opts.OutputDir,
		runID:          runID,
		schemaVersion:  schemaVersion,
		metadata:       metadata,
		strictValidate: opts.StrictValidate,
		logger:         logger,
		runDir:         filepath.Join(opts.OutputDir, runID),
	}
	w.eventsPath = filepath.Join(w.runDir, "events.jsonl")
	w.stepsPath = filepath.Join(w.runDir, "steps.jsonl")
	w.manifestPath = filepath.Join(w.runDir, "manifest.json")

	if err := os.MkdirAll(w.runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := w.writeManifest("running", nil); err != nil {
		return nil, err
	}
	return w, nil
}

// RunID returns the run identifier.
func (w *Writer) RunID() string { return w.runID }

// RunDir returns the run directory path.
func (w *Writer) RunDir() string { return w.runDir }

// WriteEvent appends one event line.
func (w *Writer) WriteEvent(event map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.appendJSONL(&w.eventsFile, w.eventsPath, event); err != nil {
		return err
	}
	w.eventCount++
	return nil
}

// WriteStep appends one step line.
func (w *Writer) WriteStep(step map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.appendJSONL(&w.stepsFile, w.stepsPath, step); err != nil {
		return err
	}
	w.stepCount++
	return nil
}

// Finalize rewrites the manifest with the terminal status and, in strict
// mode, re-reads all three artifacts and validates the schema.
func (w *Writer) Finalize(status string, summary map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.eventsFile != nil {
		_ = w.eventsFile.Close()
		w.eventsFile = nil
	}
	if w.stepsFile != nil {
		_ = w.stepsFile.Close()
		w.stepsFile = nil
	}

	if err := w.writeManifest(status, summary); err != nil {
		return err
	}
	w.finalized = true

	if w.strictValidate && status != "running" {
		if err := w.validateArtifacts(); err != nil {
			return fmt.Errorf("trace validation: %w", err)
		}
	}
	return nil
}

// EventCount returns the number of events written so far.
func (w *Writer) EventCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eventCount
}

// StepCount returns the number of steps written so far.
func (w *Writer) StepCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stepCount
}

func (w *Writer) appendJSONL(file **os.File, path string, payload map[string]any) error {
	if w.finalized {
		return fmt.Errorf("trace writer already finalized")
	}
	if *file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		*file = f
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode trace line: %w", err)
	}
	if _, err := (*file).Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return (*file).Sync()
}

func (w *Writer) writeManifest(status string, summary map[string]any) error {
	merged := map[string]any{
		"stop_reason":    nil,
		"final_result":   nil,
		"steps":          w.stepCount,
		"failure_report": map[string]any{},
	}
	for k, v := range summary {
		merged[k] = v
	}

	payload := map[string]any{
		"run_id":          w.runID,
		"schema_version":  w.schemaVersion,
		"status":          status,
		"updated_at":      time.Now().UTC().Format(time.RFC3339Nano),
		"event_count":     w.eventCount,
		"step_count":      w.stepCount,
		"summary":         merged,
		"model_id":        w.metadataOr("model_id", "unknown"),
		"prompt_hash":     w.metadataOr("prompt_hash", "unknown"),
		"tool_versions":   w.metadataOr("tool_versions", map[string]any{}),
		"seed":            w.metadata["seed"],
		"run_config_hash": w.metadataOr("run_config_hash", "unknown"),
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := w.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, w.manifestPath)
}

func (w *Writer) metadataOr(key string, fallback any) any {
	if v, ok := w.metadata[key]; ok {
		return v
	}
	return fallback
}

func (w *Writer) validateArtifacts() error {
	manifest, err := readJSON(w.manifestPath)
	if err != nil {
		return err
	}
	events, err := readJSONL(w.eventsPath)
	if err != nil {
		return err
	}
	steps, err := readJSONL(w.stepsPath)
	if err != nil {
		return err
	}

	validator := NewSchemaValidator()
	if err := validator.ValidateManifest(manifest); err != nil {
		return err
	}
	if err := validator.ValidateEvents(events); err != nil {
		return err
	}
	return validator.ValidateSteps(steps)
}
