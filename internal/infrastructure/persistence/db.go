package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Qitor/qitos/internal/infrastructure/config"
	"github.com/Qitor/qitos/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the board's run index database.
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("connect run index: %w", err)
	}
	if err := db.AutoMigrate(&models.RunModel{}); err != nil {
		return nil, fmt.Errorf("migrate run index: %w", err)
	}
	return db, nil
}
