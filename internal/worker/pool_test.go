package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(context.Background(), 3, nil)
	p.Start()
	defer p.Stop()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		ok := p.Submit(TaskFunc(func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			return nil
		}))
		require.True(t, ok)
	}
	wg.Wait()

	assert.Equal(t, int32(20), count.Load())
}

func TestPoolContainsFailures(t *testing.T) {
	var logs bytes.Buffer
	p := NewPool(context.Background(), 1, slog.New(slog.NewTextHandler(&logs, nil)))
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	require.True(t, p.Submit(TaskFunc(func(ctx context.Context) error {
		panic("boom")
	})))
	require.True(t, p.Submit(TaskFunc(func(ctx context.Context) error {
		return errors.New("failed")
	})))
	require.True(t, p.Submit(TaskFunc(func(ctx context.Context) error {
		close(done)
		return nil
	})))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	assert.Contains(t, logs.String(), "worker: task panicked")
}

func TestPoolStopCancelsContext(t *testing.T) {
	p := NewPool(context.Background(), 1, nil)
	p.Start()

	started := make(chan struct{})
	var sawCancel atomic.Bool
	require.True(t, p.Submit(TaskFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})))

	<-started
	p.Stop()

	assert.True(t, sawCancel.Load(), "Stop waits for running tasks")
	assert.False(t, p.Submit(TaskFunc(func(ctx context.Context) error { return nil })))
}
