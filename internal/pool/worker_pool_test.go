package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPoolRunAll(t *testing.T) {
	p := NewWorkerPool(3, 0, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	var running, peak, done int32
	tasks := make([]func(), 12)
	for i := range tasks {
		tasks[i] = func() {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
		}
	}

	require.NoError(t, p.RunAll(context.Background(), tasks))
	assert.EqualValues(t, 12, done)
	assert.LessOrEqual(t, peak, int32(3))
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	p := NewWorkerPool(1, 1, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	var ran int32
	err := p.RunAll(context.Background(), []func(){
		func() { panic("boom") },
		func() { atomic.StoreInt32(&ran, 1) },
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, ran)
}

func TestWorkerPoolCancelledSubmit(t *testing.T) {
	p := NewWorkerPool(1, 0, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.Canceled)

	var ran int32
	err = p.RunAll(ctx, []func(){func() { atomic.StoreInt32(&ran, 1) }})
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, ran)
}

func TestWorkerPoolTrySubmit(t *testing.T) {
	p := NewWorkerPool(1, 1, zap.NewNop())
	// 未启动时队列只能容纳一个任务
	assert.True(t, p.TrySubmit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
	p.Start(context.Background())
	p.Stop()
}
