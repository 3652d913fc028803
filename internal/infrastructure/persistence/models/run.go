package models

import (
	"time"
)

// RunModel is the board's indexed view of one run directory. It mirrors the
// manifest summary so the runs table can be listed and filtered without
// re-reading every manifest.
type RunModel struct {
	ID          string `gorm:"primaryKey;size:128"`
	Dir         string `gorm:"size:512;not null"`
	Status      string `gorm:"index;size:16;not null"`
	StopReason  string `gorm:"size:32"`
	FinalResult string `gorm:"type:text"`
	StepCount   int
	EventCount  int
	ModelID     string `gorm:"size:128"`
	UpdatedAt   time.Time
	IndexedAt   time.Time
}

// TableName fixes the table name.
func (RunModel) TableName() string {
	return "runs"
}
