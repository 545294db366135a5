package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/obby/frame-uploader/internal/ledger"
	"github.com/obby/frame-uploader/internal/patterns"
	"github.com/obby/frame-uploader/internal/uploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uploadCall struct {
	path string
	data []byte
	at   time.Time
}

// fakeUploader records calls and fails for paths listed in failFor.
type fakeUploader struct {
	mu      sync.Mutex
	calls   []uploadCall
	failFor map[string]bool
}

func (f *fakeUploader) Upload(ctx context.Context, path string, data []byte) (*uploader.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, uploadCall{path: path, data: append([]byte(nil), data...), at: time.Now()})
	if f.failFor[filepath.Base(path)] {
		return nil, &uploader.UploadError{Path: path, StatusCode: http.StatusInternalServerError, Err: uploader.ErrUnexpectedStatus}
	}
	return &uploader.Result{AttemptID: "test", StatusCode: http.StatusOK}, nil
}

func (f *fakeUploader) Calls() []uploadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.calls...)
}

func (f *fakeUploader) Count() int {
	return len(f.Calls())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type handlerFixture struct {
	dir      string
	handler  *Handler
	uploader *fakeUploader
}

func newHandlerFixture(t *testing.T, settle, interval time.Duration) *handlerFixture {
	t.Helper()
	dir, err := PrepareDir(t.TempDir())
	require.NoError(t, err)

	m := patterns.NewMatcher(dir)
	require.NoError(t, m.SetIgnorePatterns([]string{"*.tmp"}))

	up := &fakeUploader{failFor: map[string]bool{}}
	h := NewHandler(HandlerOptions{
		Matcher:     m,
		Ledger:      ledger.New(),
		Uploader:    up,
		Throttle:    NewThrottle(interval),
		SettleDelay: settle,
		Workers:     4,
		Logger:      quietLogger(),
	})
	h.Start()
	t.Cleanup(h.Stop)

	return &handlerFixture{dir: dir, handler: h, uploader: up}
}

func (f *handlerFixture) write(t *testing.T, name string, data []byte, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func (f *handlerFixture) event(path, eventType string) {
	f.handler.HandleEvent(FileEvent{Path: path, EventType: eventType, Timestamp: time.Now()})
}

func TestHandleEventIgnoresNonFrames(t *testing.T) {
	f := newHandlerFixture(t, 10*time.Millisecond, 0)
	now := time.Now()

	txt := f.write(t, "notes.txt", []byte("x"), now)
	nested := f.write(t, filepath.Join("sub", "frame.jpg"), []byte("x"), now)
	tmp := f.write(t, "frame.jpg.tmp", []byte("x"), now)
	dirLike := filepath.Join(f.dir, "folder.jpg")
	require.NoError(t, os.Mkdir(dirLike, 0o755))
	frame := f.write(t, "frame.jpg", []byte("x"), now)

	for _, p := range []string{txt, nested, tmp, dirLike} {
		f.event(p, EventCreated)
		f.event(p, EventModified)
	}
	f.event(frame, EventDeleted)
	f.event(frame, EventRenamed)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, f.uploader.Count())
	assert.Equal(t, int64(10), f.handler.Stats().Ignored)
}

func TestCreateAndModifyUploadOnce(t *testing.T) {
	f := newHandlerFixture(t, 50*time.Millisecond, 0)
	path := f.write(t, "frame.jpg", []byte("frame-1"), time.Now())

	f.event(path, EventCreated)
	f.event(path, EventModified)
	f.event(path, EventModified)

	require.Eventually(t, func() bool { return f.uploader.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	calls := f.uploader.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, path, calls[0].path)
	assert.Equal(t, []byte("frame-1"), calls[0].data)
	assert.Equal(t, int64(2), f.handler.Stats().Duplicates)
}

func TestModifiedFrameUploadsAgain(t *testing.T) {
	f := newHandlerFixture(t, 10*time.Millisecond, 0)
	base := time.Now().Add(-time.Minute)

	path := f.write(t, "frame.jpg", []byte("v1"), base)
	f.event(path, EventCreated)
	require.Eventually(t, func() bool { return f.uploader.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.write(t, "frame.jpg", []byte("v2"), base.Add(time.Second))
	f.event(path, EventModified)
	require.Eventually(t, func() bool { return f.uploader.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Restoring an older mtime must not trigger another upload.
	f.write(t, "frame.jpg", []byte("v0"), base)
	f.event(path, EventModified)
	time.Sleep(100 * time.Millisecond)

	calls := f.uploader.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []byte("v2"), calls[1].data)
}

func TestUploadsRespectMinimumInterval(t *testing.T) {
	const interval = 120 * time.Millisecond
	f := newHandlerFixture(t, 0, interval)
	now := time.Now()

	for _, name := range []string{"a.jpg", "b.png", "c.bmp", "d.webp"} {
		f.event(f.write(t, name, []byte(name), now), EventCreated)
	}

	require.Eventually(t, func() bool { return f.uploader.Count() == 4 }, 3*time.Second, 10*time.Millisecond)

	calls := f.uploader.Calls()
	for i := 1; i < len(calls); i++ {
		gap := calls[i].at.Sub(calls[i-1].at)
		assert.GreaterOrEqual(t, gap, interval, "gap between call %d and %d", i-1, i)
	}
}

func TestFailedUploadIsIsolated(t *testing.T) {
	f := newHandlerFixture(t, 10*time.Millisecond, 0)
	f.uploader.failFor["c.jpg"] = true
	now := time.Now()

	c := f.write(t, "c.jpg", []byte("c"), now)
	f.event(c, EventCreated)
	require.Eventually(t, func() bool { return f.handler.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)

	info, err := os.Stat(c)
	require.NoError(t, err)
	assert.True(t, f.handler.Ledger().ShouldUpload(c, info.ModTime()), "failed upload must not be recorded")

	d := f.write(t, "d.jpg", []byte("d"), now)
	f.event(d, EventCreated)
	require.Eventually(t, func() bool { return f.handler.Stats().Succeeded == 1 }, 2*time.Second, 10*time.Millisecond)

	info, err = os.Stat(d)
	require.NoError(t, err)
	assert.False(t, f.handler.Ledger().ShouldUpload(d, info.ModTime()))

	// No retry timer: c.jpg is only retried when a new event arrives.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, f.uploader.Count())

	f.uploader.mu.Lock()
	f.uploader.failFor["c.jpg"] = false
	f.uploader.mu.Unlock()
	f.event(c, EventModified)
	require.Eventually(t, func() bool { return f.handler.Stats().Succeeded == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestFrameRemovedWhileSettling(t *testing.T) {
	f := newHandlerFixture(t, 80*time.Millisecond, 0)
	path := f.write(t, "gone.jpg", []byte("x"), time.Now())

	f.event(path, EventCreated)
	require.NoError(t, os.Remove(path))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, f.uploader.Count())
}

func TestCatchUpUploadsNewestOnly(t *testing.T) {
	f := newHandlerFixture(t, 0, 0)
	now := time.Now()

	f.write(t, "a.jpg", []byte("old"), now.Add(-time.Hour))
	b := f.write(t, "b.jpg", []byte("new"), now.Add(-time.Minute))
	f.write(t, "z.txt", []byte("newest but not an image"), now)
	f.write(t, filepath.Join("sub", "deeper.jpg"), []byte("nested"), now)

	got, err := f.handler.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b, got)

	calls := f.uploader.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, b, calls[0].path)
	assert.Equal(t, []byte("new"), calls[0].data)

	// The catch-up upload is recorded, so a late event for it is a duplicate.
	f.event(b, EventModified)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.uploader.Count())
}

func TestCatchUpEmptyDirectory(t *testing.T) {
	f := newHandlerFixture(t, 0, 0)

	got, err := f.handler.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, f.uploader.Count())
}

func TestCatchUpReportsUploadFailure(t *testing.T) {
	f := newHandlerFixture(t, 0, 0)
	f.uploader.failFor["only.jpg"] = true
	f.write(t, "only.jpg", []byte("x"), time.Now())

	_, err := f.handler.CatchUp(context.Background())

	var upErr *uploader.UploadError
	assert.True(t, errors.As(err, &upErr))
}

func TestStopDropsSettlingEvents(t *testing.T) {
	f := newHandlerFixture(t, 200*time.Millisecond, 0)
	path := f.write(t, "late.jpg", []byte("x"), time.Now())

	f.event(path, EventCreated)
	assert.Equal(t, 1, f.handler.Stats().Settling)
	f.handler.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, f.uploader.Count())
}
