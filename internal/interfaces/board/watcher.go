package board

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Qitor/qitos/internal/infrastructure/persistence"
	"github.com/Qitor/qitos/pkg/safego"
)

// Watcher keeps the run index fresh by watching the log root for new run
// directories and manifest rewrites.
type Watcher struct {
	fs     *fsnotify.Watcher
	index  *persistence.RunIndex
	logDir string
	logger *zap.Logger
}

// NewWatcher builds a watcher over the log root.
func NewWatcher(logDir string, index *persistence.RunIndex, logger *zap.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(logDir); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{fs: fs, index: index, logDir: logDir, logger: logger}, nil
}

// Start consumes filesystem events until the context ends.
func (w *Watcher) Start(ctx context.Context) {
	safego.Go(w.logger, "board-run-watcher", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.fs.Events:
				if !ok {
					return
				}
				w.handle(event)
			case err, ok := <-w.fs.Errors:
				if !ok {
					return
				}
				w.logger.Warn("run watcher error", zap.Error(err))
			}
		}
	})
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	// New run directory appears under the root: watch it and index it.
	if filepath.Dir(event.Name) == filepath.Clean(w.logDir) {
		_ = w.fs.Add(event.Name)
		w.index.IndexRun(event.Name)
		return
	}

	// Manifest rewritten inside a run directory: reindex that run.
	if strings.HasSuffix(event.Name, "manifest.json") {
		w.index.IndexRun(filepath.Dir(event.Name))
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	_ = w.fs.Close()
}
