package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Qitor/qitos/internal/infrastructure/config"
)

func writeManifest(t *testing.T, logDir, runID, status, stopReason string) string {
	t.Helper()
	runDir := filepath.Join(logDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{
  "run_id": "` + runID + `",
  "schema_version": "v1",
  "status": "` + status + `",
  "updated_at": "2026-08-01T10:00:00Z",
  "event_count": 7,
  "step_count": 2,
  "summary": {"stop_reason": "` + stopReason + `", "final_result": "42", "steps": 2, "failure_report": {}},
  "model_id": "test-model",
  "prompt_hash": "h",
  "tool_versions": {},
  "seed": null,
  "run_config_hash": "h"
}`
	if err := os.WriteFile(filepath.Join(runDir, "manifest.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return runDir
}

func newTestIndex(t *testing.T) *RunIndex {
	t.Helper()
	db, err := NewDBConnection(&config.DatabaseConfig{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "index.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewRunIndex(db, nil)
}

// === Scanning ===

func TestRunIndex_RescanAndList(t *testing.T) {
	logDir := t.TempDir()
	writeManifest(t, logDir, "run-a", "completed", "final")
	writeManifest(t, logDir, "run-b", "failed", "unrecoverable_error")
	// directory without a manifest is ignored
	if err := os.MkdirAll(filepath.Join(logDir, "not-a-run"), 0o755); err != nil {
		t.Fatal(err)
	}

	index := newTestIndex(t)
	if err := index.Rescan(logDir); err != nil {
		t.Fatal(err)
	}

	runs, err := index.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("indexed %d runs, want 2", len(runs))
	}

	run, err := index.Get("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "completed" || run.StopReason != "final" || run.StepCount != 2 || run.EventCount != 7 {
		t.Errorf("indexed fields wrong: %+v", run)
	}
	if run.ModelID != "test-model" {
		t.Errorf("model id = %q", run.ModelID)
	}
}

// === Upserts ===

func TestRunIndex_ReindexUpdatesStatus(t *testing.T) {
	logDir := t.TempDir()
	runDir := writeManifest(t, logDir, "run-a", "running", "")

	index := newTestIndex(t)
	index.IndexRun(runDir)

	run, err := index.Get("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "running" {
		t.Fatalf("status = %q", run.Status)
	}

	writeManifest(t, logDir, "run-a", "completed", "final")
	index.IndexRun(runDir)

	run, err = index.Get("run-a")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "completed" || run.StopReason != "final" {
		t.Errorf("reindex did not update: %+v", run)
	}

	runs, _ := index.List()
	if len(runs) != 1 {
		t.Errorf("upsert duplicated the run: %d rows", len(runs))
	}
}
