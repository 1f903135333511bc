package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func TestManager_LockIsReentrant(t *testing.T) {
	m := NewManager()

	_, err := m.Lock("k", "a", time.Second).Get(context.Background())
	assert.NoError(t, err)

	st := m.Lock("k", "a", 0)
	assert.True(t, st.IsDone())

	m.Unlock("k", "a")
	assert.False(t, m.IsLocked("k"))
	assert.Equal(t, 0, m.LockCount())
}

func TestManager_ZeroTimeoutFailsImmediately(t *testing.T) {
	m := NewManager()
	assert.True(t, m.TryLock("k", "a"))

	_, err := m.Lock("k", "b", 0).Get(context.Background())
	assert.True(t, errors.Is(err, sentinel.ErrLockTimeout))
	assert.True(t, sentinel.IsRetriable(err))
	assert.False(t, m.TryLock("k", "b"))

	_, err = m.Lock("free", "b", 0).Get(context.Background())
	assert.NoError(t, err)
	assert.True(t, m.IsLocked("free"))

	owner, _ := m.Owner("free")
	assert.Equal(t, "b", owner)
}

func TestManager_UnlockHandsOverToWaiter(t *testing.T) {
	m := NewManager()
	assert.True(t, m.TryLock("k", "a"))

	st := m.Lock("k", "b", time.Second)
	assert.False(t, st.IsDone())

	m.Unlock("k", "b") // not the owner: no effect
	assert.False(t, st.IsDone())

	m.Unlock("k", "a")

	_, err := st.Get(context.Background())
	assert.NoError(t, err)

	owner, ok := m.Owner("k")
	assert.True(t, ok)
	assert.Equal(t, "b", owner)
}

func TestManager_WaiterTimesOut(t *testing.T) {
	m := NewManager()
	assert.True(t, m.TryLock("k", "a"))

	_, err := m.Lock("k", "b", 20*time.Millisecond).Get(context.Background())
	assert.True(t, errors.Is(err, sentinel.ErrLockTimeout))

	// the expired waiter must not inherit the lock
	m.Unlock("k", "a")
	assert.False(t, m.IsLocked("k"))
}

func TestManager_ConcurrentOwnersNeverOverlap(t *testing.T) {
	m := NewManager()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)

	for i := range 16 {
		wg.Add(1)

		go func(owner int) {
			defer wg.Done()

			_, err := m.Lock("k", owner, 5*time.Second).Get(context.Background())
			if err != nil {
				t.Errorf("lock: %v", err)

				return
			}

			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()

			m.Unlock("k", owner)
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, m.LockCount())
}
