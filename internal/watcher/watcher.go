package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher wraps fsnotify for a single flat directory and feeds every
// notification to a Handler from one dispatch goroutine.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	handler  *Handler
	watchDir string
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	started  bool
	running  bool
}

// PrepareDir creates dir if needed and returns its absolute, symlink-free
// form. Failure here is fatal for the service.
func PrepareDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create watch directory %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("watch path %s is not a directory", resolved)
	}
	return resolved, nil
}

// NewFileWatcher creates a file watcher for the handler's watched directory
func NewFileWatcher(handler *Handler, logger *slog.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FileWatcher{
		watcher:  w,
		handler:  handler,
		watchDir: handler.matcher.WatchDir(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start subscribes to the watched directory, starts dispatching events and
// then runs the one-time catch-up upload. Monitoring begins before the scan
// so a frame written during catch-up is not missed. A failed catch-up upload
// is logged, not returned.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := fw.watcher.Add(fw.watchDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fw.watchDir, err)
	}
	fw.logger.Info("watcher: watching directory", "path", fw.watchDir)

	fw.handler.Start()

	fw.mu.Lock()
	fw.started = true
	fw.running = true
	fw.mu.Unlock()
	go fw.processEvents()

	if _, err := fw.handler.CatchUp(ctx); err != nil {
		fw.logger.Error("watcher: initial upload failed", "error", err)
	}
	return nil
}

// Stop stops the file watcher. Events still settling are dropped.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.mu.Lock()
		started := fw.started
		fw.running = false
		fw.mu.Unlock()

		fw.cancel()
		err = fw.watcher.Close()
		if started {
			<-fw.done
		}
		fw.handler.Stop()
	})
	return err
}

// Running reports whether the watcher is monitoring
func (fw *FileWatcher) Running() bool {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.running
}

// WatchDir returns the watched directory
func (fw *FileWatcher) WatchDir() string {
	return fw.watchDir
}

// processEvents processes events from fsnotify
func (fw *FileWatcher) processEvents() {
	defer close(fw.done)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handler.HandleEvent(eventFromNotify(event))
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("watcher: fsnotify error", "error", err)
		case <-fw.ctx.Done():
			return
		}
	}
}
