package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/obby/frame-uploader/internal/ledger"
	"github.com/obby/frame-uploader/internal/patterns"
	"github.com/obby/frame-uploader/internal/uploader"
	"github.com/obby/frame-uploader/internal/worker"
)

// Uploader delivers one frame to the detection endpoint
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) (*uploader.Result, error)
}

// HandlerOptions configures a Handler
type HandlerOptions struct {
	Matcher     *patterns.Matcher
	Ledger      *ledger.Ledger
	Uploader    Uploader
	Throttle    *Throttle
	SettleDelay time.Duration
	Workers     int
	Logger      *slog.Logger
}

// Handler turns change notifications into uploads. Each accepted event waits
// out the settle delay, then is checked against the ledger so that only a
// file version that has not been delivered yet is uploaded.
type Handler struct {
	matcher  *patterns.Matcher
	ledger   *ledger.Ledger
	uploader Uploader
	throttle *Throttle
	settler  *Settler
	pool     *worker.Pool
	logger   *slog.Logger
	stats    counters
}

// NewHandler creates a handler. The caller must call Start before events are
// delivered and Stop on shutdown.
func NewHandler(opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	throttle := opts.Throttle
	if throttle == nil {
		throttle = NewThrottle(0)
	}
	led := opts.Ledger
	if led == nil {
		led = ledger.New()
	}

	return &Handler{
		matcher:  opts.Matcher,
		ledger:   led,
		uploader: opts.Uploader,
		throttle: throttle,
		settler:  NewSettler(opts.SettleDelay),
		pool:     worker.NewPool(context.Background(), opts.Workers, logger),
		logger:   logger,
	}
}

// Start starts the delivery workers
func (h *Handler) Start() {
	h.pool.Start()
}

// Stop drops events still settling, cancels throttle waits and in-flight
// uploads, and waits for the workers to exit.
func (h *Handler) Stop() {
	h.settler.Stop()
	h.pool.Stop()
}

// Ledger returns the delivery ledger
func (h *Handler) Ledger() *ledger.Ledger {
	return h.ledger
}

// HandleEvent filters a raw event and schedules its delivery. It never blocks
// on the settle delay or the upload.
func (h *Handler) HandleEvent(ev FileEvent) {
	h.stats.events.Add(1)

	if !ev.triggersUpload() || !h.matcher.Accepts(ev.Path) {
		h.stats.ignored.Add(1)
		return
	}
	if info, err := os.Lstat(ev.Path); err == nil && info.IsDir() {
		h.stats.ignored.Add(1)
		return
	}

	path := ev.Path
	h.settler.After(func() {
		h.pool.Submit(worker.TaskFunc(func(ctx context.Context) error {
			return h.deliver(ctx, path)
		}))
	})
}

// CatchUp uploads the most recently modified frame already present in the
// watched directory, if any. It returns the path it considered.
func (h *Handler) CatchUp(ctx context.Context) (string, error) {
	latest, err := h.latestFrame()
	if err != nil {
		return "", err
	}
	if latest == "" {
		h.logger.Info("watcher: no existing frames to catch up")
		return "", nil
	}

	h.logger.Info("watcher: catching up latest frame", "path", latest)
	return latest, h.deliver(ctx, latest)
}

func (h *Handler) latestFrame() (string, error) {
	dir := h.matcher.WatchDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	var latest string
	var latestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !h.matcher.IsCandidate(path) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest = path
			latestMod = info.ModTime()
		}
	}

	return latest, nil
}

// deliver checks freshness and uploads path. Filesystem races and duplicate
// versions return nil; only upload failures are reported.
func (h *Handler) deliver(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		h.logger.Debug("watcher: frame vanished before upload", "path", path)
		return nil
	}

	// Captured before reading so a rewrite during the upload stays eligible.
	mtime := info.ModTime()
	if !h.ledger.Claim(path, mtime) {
		h.stats.duplicates.Add(1)
		h.logger.Debug("watcher: frame already delivered", "path", path, "mtime", mtime)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		h.ledger.Release(path, mtime)
		h.logger.Debug("watcher: frame unreadable", "path", path, "error", err)
		return nil
	}

	if err := h.throttle.Wait(ctx); err != nil {
		h.ledger.Release(path, mtime)
		return fmt.Errorf("throttle wait for %s: %w", path, err)
	}

	h.stats.attempted.Add(1)
	res, err := h.uploader.Upload(ctx, path, data)
	if err != nil {
		h.ledger.Release(path, mtime)
		h.stats.failed.Add(1)
		h.logger.Error("watcher: upload failed", "path", path, "error", err)
		return err
	}

	h.ledger.Complete(path, mtime)
	h.stats.succeeded.Add(1)
	h.logUpload(path, res)
	return nil
}

func (h *Handler) logUpload(path string, res *uploader.Result) {
	attrs := []any{
		"path", path,
		"attempt_id", res.AttemptID,
		"status", res.StatusCode,
		"duration", res.Duration,
	}
	if res.Detection == nil {
		h.logger.Info("watcher: uploaded frame", attrs...)
		return
	}

	attrs = append(attrs, "fire_detected", res.Detection.FireDetected, "result", res.Detection.ResultText)
	if res.Detection.FireDetected {
		h.logger.Warn("watcher: fire detected in frame", attrs...)
		return
	}
	h.logger.Info("watcher: uploaded frame", attrs...)
}

type counters struct {
	events     atomic.Int64
	ignored    atomic.Int64
	duplicates atomic.Int64
	attempted  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
}

// Stats is a snapshot of the handler's counters
type Stats struct {
	Events     int64 `json:"events" msgpack:"events"`
	Ignored    int64 `json:"ignored" msgpack:"ignored"`
	Duplicates int64 `json:"duplicates" msgpack:"duplicates"`
	Attempted  int64 `json:"attempted" msgpack:"attempted"`
	Succeeded  int64 `json:"succeeded" msgpack:"succeeded"`
	Failed     int64 `json:"failed" msgpack:"failed"`
	Settling   int   `json:"settling" msgpack:"settling"`
}

// Stats returns the current counters
func (h *Handler) Stats() Stats {
	return Stats{
		Events:     h.stats.events.Load(),
		Ignored:    h.stats.ignored.Load(),
		Duplicates: h.stats.duplicates.Load(),
		Attempted:  h.stats.attempted.Load(),
		Succeeded:  h.stats.succeeded.Load(),
		Failed:     h.stats.failed.Load(),
		Settling:   h.settler.Pending(),
	}
}
