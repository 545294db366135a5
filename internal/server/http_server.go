package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/obby/frame-uploader/internal/ledger"
	"github.com/obby/frame-uploader/internal/watcher"
	"github.com/vmihailenco/msgpack/v5"
)

const mimeMsgpack = "application/msgpack"

// StatusSource is what the status server reports on
type StatusSource interface {
	Running() bool
	WatchDir() string
}

// StatusServer exposes health, delivery ledger and counters over HTTP
type StatusServer struct {
	echo     *echo.Echo
	listener net.Listener
	source   StatusSource
	handler  *watcher.Handler
	started  time.Time
}

// NewStatusServer binds port and creates a status server on it. Port 0 picks
// a free port.
func NewStatusServer(source StatusSource, handler *watcher.Handler, port int) (*StatusServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	e := echo.New()
	e.Listener = lis
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Use(middleware.Recover())

	s := &StatusServer{
		echo:     e,
		listener: lis,
		source:   source,
		handler:  handler,
		started:  time.Now(),
	}

	e.GET("/health", s.handleHealth)
	e.GET("/api/deliveries", s.handleDeliveries)
	e.GET("/api/stats", s.handleStats)

	return s, nil
}

// Addr returns the bound address
func (s *StatusServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Handler returns the HTTP handler, for tests
func (s *StatusServer) Handler() http.Handler {
	return s.echo
}

// handleHealth provides health check endpoint
func (s *StatusServer) handleHealth(c echo.Context) error {
	status := "healthy"
	code := http.StatusOK
	if !s.source.Running() {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"watchDir":  s.source.WatchDir(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleDeliveries returns the ledger sorted by path, as msgpack when asked
func (s *StatusServer) handleDeliveries(c echo.Context) error {
	entries := s.handler.Ledger().Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	body := struct {
		Count   int            `json:"count" msgpack:"count"`
		Entries []ledger.Entry `json:"entries" msgpack:"entries"`
	}{Count: len(entries), Entries: entries}

	if wantsMsgpack(c.Request()) {
		data, err := msgpack.Marshal(body)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to encode msgpack"})
		}
		return c.Blob(http.StatusOK, mimeMsgpack, data)
	}
	return c.JSON(http.StatusOK, body)
}

func (s *StatusServer) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.handler.Stats())
}

func wantsMsgpack(r *http.Request) bool {
	return strings.Contains(r.Header.Get(echo.HeaderAccept), mimeMsgpack)
}

// Start blocks serving HTTP until Stop is called
func (s *StatusServer) Start() error {
	addr := s.Addr().String()
	slog.Info("server: status server listening", "addr", addr)

	// echo serves on the listener bound in NewStatusServer.
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *StatusServer) Stop(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	// Closes the listener when Start never ran; already closed otherwise.
	s.listener.Close()
	return err
}
