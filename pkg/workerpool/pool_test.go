package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func TestPool_SubmitAndShutdown(t *testing.T) {
	pool := New(3)

	var (
		mu      sync.Mutex
		results []int
	)

	for i := range 5 {
		err := pool.Submit(func() error {
			mu.Lock()
			defer mu.Unlock()

			results = append(results, i)

			return nil
		})
		assert.NoError(t, err)
	}

	pool.Shutdown()

	assert.Equal(t, 5, len(results))
}

func TestPool_JobErrorsReachHandler(t *testing.T) {
	expected := errors.New("job error")

	var got atomic.Value

	pool := New(2, WithErrorHandler(func(err error) { got.Store(err) }))

	assert.NoError(t, pool.Submit(func() error { return expected }))
	assert.NoError(t, pool.Submit(func() error { return nil }))

	pool.Wait()

	err, _ := got.Load().(error)
	assert.True(t, errors.Is(err, expected))

	pool.Shutdown()
}

func TestPool_WaitBlocksUntilDrained(t *testing.T) {
	pool := New(1, WithQueueSize(16))
	defer pool.Shutdown()

	var count atomic.Int32

	for range 10 {
		assert.NoError(t, pool.Submit(func() error {
			time.Sleep(time.Millisecond)
			count.Add(1)

			return nil
		}))
	}

	pool.Wait()
	assert.Equal(t, int32(10), count.Load())
}

func TestPool_SubmitAfterShutdownFails(t *testing.T) {
	pool := New(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(func() error { return nil })
	assert.True(t, errors.Is(err, sentinel.ErrShuttingDown))
}

func TestPool_AtLeastOneWorker(t *testing.T) {
	pool := New(0)
	defer pool.Shutdown()

	assert.Equal(t, 1, pool.Workers())
}
