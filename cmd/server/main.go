package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/obby/frame-uploader/config"
	"github.com/obby/frame-uploader/internal/ledger"
	"github.com/obby/frame-uploader/internal/patterns"
	"github.com/obby/frame-uploader/internal/server"
	"github.com/obby/frame-uploader/internal/uploader"
	"github.com/obby/frame-uploader/internal/watcher"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("frame uploader failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// Fatal before monitoring begins.
	watchDir, err := watcher.PrepareDir(cfg.WatchDir)
	if err != nil {
		return err
	}

	matcher := patterns.NewMatcher(watchDir)
	if err := matcher.SetIgnorePatterns(cfg.IgnorePatterns); err != nil {
		return fmt.Errorf("invalid ignore pattern: %w", err)
	}

	client := uploader.NewClient(cfg.Endpoint, cfg.TimeoutDuration())
	throttle := watcher.NewThrottle(cfg.MinIntervalDuration())
	handler := watcher.NewHandler(watcher.HandlerOptions{
		Matcher:     matcher,
		Ledger:      ledger.New(),
		Uploader:    client,
		Throttle:    throttle,
		SettleDelay: cfg.SettleDuration(),
		Workers:     cfg.UploadWorkers,
		Logger:      logger,
	})

	fw, err := watcher.NewFileWatcher(handler, logger)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Stop()

	var health *server.HealthServer
	if cfg.HealthPort > 0 {
		health, err = server.NewHealthServer(cfg.HealthPort)
		if err != nil {
			return err
		}
	}

	var status *server.StatusServer
	if cfg.StatusPort > 0 {
		status, err = server.NewStatusServer(fw, handler, cfg.StatusPort)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if health != nil {
		g.Go(health.Serve)
	}
	if status != nil {
		g.Go(status.Start)
	}

	logger.Info("frame uploader starting",
		"watch_dir", watchDir,
		"endpoint", client.Endpoint(),
		"settle_delay", cfg.SettleDuration(),
		"min_upload_interval", throttle.Interval(),
		"mode", "filesystem events (fsnotify)",
	)

	g.Go(func() error {
		if err := fw.Start(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		if health != nil {
			health.SetServing(true)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("frame uploader stopping")

		if health != nil {
			health.SetServing(false)
		}
		if err := fw.Stop(); err != nil {
			logger.Warn("watcher close failed", "error", err)
		}

		if health != nil {
			health.Stop()
		}
		if status != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := status.Stop(shutdownCtx); err != nil {
				logger.Warn("status server shutdown failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Stopped.")
	return nil
}

// loadConfig resolves configuration from file, environment and flags, with
// flags taking precedence.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("frame-uploader", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "", "Path to a YAML config file")
		watchDir    = fs.String("watch-dir", "", "Directory where the producer saves detected frames")
		settle      = fs.Float64("poll-interval", 0, "Settle delay before uploading after a file event (seconds)")
		endpoint    = fs.String("endpoint", "", "Detection API endpoint")
		timeout     = fs.Float64("timeout", 0, "HTTP timeout seconds")
		minInterval = fs.Float64("min-upload-interval", 0, "Minimum interval between two uploads in seconds")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "watch-dir":
			cfg.WatchDir = *watchDir
		case "poll-interval":
			cfg.SettleDelay = *settle
		case "endpoint":
			cfg.Endpoint = *endpoint
		case "timeout":
			cfg.RequestTimeout = *timeout
		case "min-upload-interval":
			cfg.MinUploadInterval = *minInterval
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
