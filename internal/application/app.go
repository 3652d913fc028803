// Package application wires the board application: configuration, logging,
// the run index database, and the HTTP board server.
package application

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Qitor/qitos/internal/infrastructure/config"
	"github.com/Qitor/qitos/internal/infrastructure/persistence"
	"github.com/Qitor/qitos/internal/interfaces/board"
)

// App owns the board's long-lived components.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB
	index  *persistence.RunIndex
	server *board.Server
}

// New builds the app from configuration.
func New(cfg *config.Config, logger *zap.Logger, logDir string) (*App, error) {
	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, err
	}
	index := persistence.NewRunIndex(db, logger)
	server := board.NewServer(board.Config{
		Host:   cfg.Board.Host,
		Port:   cfg.Board.Port,
		Mode:   cfg.Board.Mode,
		LogDir: logDir,
	}, index, logger)

	return &App{
		config: cfg,
		logger: logger,
		db:     db,
		index:  index,
		server: server,
	}, nil
}

// Run serves the board until the context ends.
func (a *App) Run(ctx context.Context) error {
	return a.server.Start(ctx)
}

// Index exposes the run index (used by CLI export paths).
func (a *App) Index() *persistence.RunIndex {
	return a.index
}
