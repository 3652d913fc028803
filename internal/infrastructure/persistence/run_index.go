package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Qitor/qitos/internal/infrastructure/persistence/models"
)

// RunIndex keeps the board's run listing in sync with the run directories
// under the log root. It is refreshed on startup and whenever the watcher
// reports a manifest change.
type RunIndex struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRunIndex builds an index over the database.
func NewRunIndex(db *gorm.DB, logger *zap.Logger) *RunIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunIndex{db: db, logger: logger}
}

// Rescan walks the log root and upserts every run directory that carries a
// manifest. Unreadable manifests are skipped.
func (i *RunIndex) Rescan(logDir string) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		i.IndexRun(filepath.Join(logDir, entry.Name()))
	}
	return nil
}

// IndexRun upserts one run directory from its manifest.
func (i *RunIndex) IndexRun(runDir string) {
	manifestPath := filepath.Join(runDir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return
	}
	var manifest map[string]any
	if err := json.Unmarshal(raw, &manifest); err != nil {
		i.logger.Warn("skip unreadable manifest", zap.String("path", manifestPath), zap.Error(err))
		return
	}

	runID, _ := manifest["run_id"].(string)
	if runID == "" {
		return
	}
	status, _ := manifest["status"].(string)
	modelID, _ := manifest["model_id"].(string)

	model := models.RunModel{
		ID:         runID,
		Dir:        runDir,
		Status:     status,
		StepCount:  intField(manifest, "step_count"),
		EventCount: intField(manifest, "event_count"),
		ModelID:    modelID,
		UpdatedAt:  parseTime(manifest["updated_at"]),
		IndexedAt:  time.Now().UTC(),
	}
	if summary, ok := manifest["summary"].(map[string]any); ok {
		if v, ok := summary["stop_reason"].(string); ok {
			model.StopReason = v
		}
		if v, ok := summary["final_result"].(string); ok {
			model.FinalResult = v
		}
	}

	if err := i.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error; err != nil {
		i.logger.Warn("index run", zap.String("run_id", runID), zap.Error(err))
	}
}

// List returns indexed runs, newest first.
func (i *RunIndex) List() ([]models.RunModel, error) {
	var runs []models.RunModel
	err := i.db.Order("updated_at DESC").Find(&runs).Error
	return runs, err
}

// Get returns one indexed run.
func (i *RunIndex) Get(runID string) (*models.RunModel, error) {
	var run models.RunModel
	if err := i.db.First(&run, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func intField(payload map[string]any, key string) int {
	if v, ok := payload[key].(float64); ok {
		return int(v)
	}
	return 0
}

func parseTime(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
