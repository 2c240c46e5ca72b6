package server

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	p := NewWorkerPool(4, zap.NewNop(), nil)
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(100), ran.Load())
	assert.Equal(t, 4, p.Workers())
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(2, zap.NewNop(), nil)
	p.Start()
	defer p.Stop()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			_ = p.Submit(func() {
				defer wg.Done()
				n := running.Add(1)
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	p := NewWorkerPool(1, zap.NewNop(), nil)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	p := NewWorkerPool(1, zap.NewNop(), nil)
	p.Start()
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
	assert.NoError(t, p.Submit(nil))
}

func TestWorkerPool_StopReleasesBlockedSubmit(t *testing.T) {
	// never started, so nothing receives
	p := NewWorkerPool(1, zap.NewNop(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Submit(func() {}) }()

	time.Sleep(20 * time.Millisecond)
	p.Stop()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit stayed blocked after Stop")
	}
}

func TestWorkerPool_Stats(t *testing.T) {
	p := NewWorkerPool(0, zap.NewNop(), nil)
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	<-done
	require.Eventually(t, func() bool { return p.Stats()["completed_tasks"] == 1 }, time.Second, 5*time.Millisecond)
	assert.Positive(t, p.Stats()["num_workers"])
}
