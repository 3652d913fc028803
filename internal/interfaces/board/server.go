// Package board serves the trace board: a runs table, per-run inspection,
// replay view, raw/HTML export, and a websocket live tail of running traces.
package board

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Qitor/qitos/internal/infrastructure/persistence"
	"github.com/Qitor/qitos/internal/infrastructure/trace"
)

// Config holds the HTTP server settings.
type Config struct {
	Host   string
	Port   int
	Mode   string // debug, production
	LogDir string
}

// Server is the board HTTP server.
type Server struct {
	server  *http.Server
	index   *persistence.RunIndex
	logDir  string
	logger  *zap.Logger
	watcher *Watcher
}

// NewServer builds the board over a run index and log root.
func NewServer(cfg Config, index *persistence.RunIndex, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	s := &Server{
		index:  index,
		logDir: cfg.LogDir,
		logger: logger,
	}

	router.GET("/", s.handleBoardPage)
	router.GET("/run/:id", s.handleRunPage)
	router.GET("/replay/:id", s.handleReplayPage)
	router.GET("/api/runs", s.handleListRuns)
	router.GET("/api/run/:id", s.handleRunPayload)
	router.GET("/api/run/:id/inspect/:step", s.handleInspectStep)
	router.GET("/export/raw/:id", s.handleExportRaw)
	router.GET("/export/html/:id", s.handleExportHTML)
	router.GET("/ws/:id", s.handleLiveTail)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Start refreshes the index, starts the log watcher, and serves until the
// context is canceled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.index.Rescan(s.logDir); err != nil {
		s.logger.Warn("initial run index scan failed", zap.Error(err))
	}

	watcher, err := NewWatcher(s.logDir, s.index, s.logger)
	if err != nil {
		s.logger.Warn("run watcher unavailable", zap.Error(err))
	} else {
		s.watcher = watcher
		s.watcher.Start(ctx)
	}

	s.logger.Info("board listening",
		zap.String("address", s.server.Addr),
		zap.String("logdir", s.logDir),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.index.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(runs))
	for _, run := range runs {
		out = append(out, gin.H{
			"id":           run.ID,
			"status":       run.Status,
			"stop_reason":  run.StopReason,
			"final_result": run.FinalResult,
			"step_count":   run.StepCount,
			"event_count":  run.EventCount,
			"model_id":     run.ModelID,
			"updated_at":   run.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (s *Server) loadSession(c *gin.Context) *trace.ReplaySession {
	runID := c.Param("id")
	session, err := trace.NewReplaySession(filepath.Join(s.logDir, filepath.Base(runID)))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %q not found", runID)})
		return nil
	}
	return session
}

func (s *Server) handleRunPayload(c *gin.Context) {
	session := s.loadSession(c)
	if session == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"manifest": session.Manifest,
		"events":   session.Events,
		"steps":    session.Steps,
	})
}

func (s *Server) handleInspectStep(c *gin.Context) {
	session := s.loadSession(c)
	if session == nil {
		return
	}
	var stepID int
	if _, err := fmt.Sscanf(c.Param("step"), "%d", &stepID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "step must be an integer"})
		return
	}
	payload := session.InspectStep(stepID)
	if payload == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("step %d not found", stepID)})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleExportRaw(c *gin.Context) {
	session := s.loadSession(c)
	if session == nil {
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.json", c.Param("id")))
	c.JSON(http.StatusOK, gin.H{
		"manifest": session.Manifest,
		"events":   session.Events,
		"steps":    session.Steps,
	})
}

func (s *Server) handleExportHTML(c *gin.Context) {
	session := s.loadSession(c)
	if session == nil {
		return
	}
	html, err := RenderStandaloneHTML(session)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.html", c.Param("id")))
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (s *Server) handleBoardPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(boardHTML("", false)))
}

func (s *Server) handleRunPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(boardHTML(c.Param("id"), false)))
}

func (s *Server) handleReplayPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(boardHTML(c.Param("id"), true)))
}

// ginLogger adapts gin request logging onto zap.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
