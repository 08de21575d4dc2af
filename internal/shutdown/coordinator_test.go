package shutdown

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_RequestShutdownIdempotent(t *testing.T) {
	c := New()
	assert.False(t, c.IsStopping())
	assert.Equal(t, Running, c.State())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RequestShutdown()
		}()
	}
	wg.Wait()

	assert.True(t, c.IsStopping())
	assert.Equal(t, Stopping, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done チャネルが閉じられていません")
	}
}

func TestCoordinator_MarkStopped(t *testing.T) {
	c := New()
	c.MarkStopped()
	assert.Equal(t, Stopped, c.State())
	assert.True(t, c.IsStopping())

	// Stopped から Stopping に戻らない
	c.RequestShutdown()
	assert.Equal(t, Stopped, c.State())
}

func TestCoordinator_TrackAndWait(t *testing.T) {
	c := New()
	release1 := c.Track()
	release2 := c.Track()
	assert.Equal(t, 2, c.Active())

	go func() {
		<-c.Done()
		release1()
		release1() // 2回目は無視される
		release2()
	}()

	c.RequestShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, 0, c.Active())
}

func TestCoordinator_WaitTimeout(t *testing.T) {
	c := New()
	release := c.Track()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_NotifySignals(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.NotifySignals(ctx)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("シグナル受信後に停止要求が出ませんでした")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
}
