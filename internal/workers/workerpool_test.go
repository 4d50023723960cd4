package workers

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopDrainsQueuedJobs(t *testing.T) {
	wp := NewWorkerPool(2, 16)
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, wp.Submit(context.Background(), func() { ran.Add(1) }))
	}
	wp.Stop()
	assert.Equal(t, int32(10), ran.Load())

	assert.ErrorIs(t, wp.Submit(context.Background(), func() {}), ErrStopped)
	wp.Stop()
}

func TestSubmitHonoursContext(t *testing.T) {
	wp := NewWorkerPool(1, 0)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, wp.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, wp.Submit(ctx, func() {}), context.Canceled)

	close(release)
	wp.Stop()
}
