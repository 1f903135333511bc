// Package lock provides the per-key exclusive lock manager used by the invocation
// pipeline. Acquisition never blocks a goroutine: Lock returns a stage that is
// resolved by the goroutine releasing the lock, or failed by a timer when the wait
// exceeds its timeout.
package lock

import (
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Locker is the lock contract consumed by interceptors.
type Locker interface {
	// Lock acquires key for owner. It is reentrant for the same owner.
	Lock(key string, owner any, timeout time.Duration) *stage.Stage
	// TryLock acquires key only if it is free or already held by owner.
	TryLock(key string, owner any) bool
	// Unlock releases key if owner holds it and hands it to the next waiter.
	Unlock(key string, owner any)
	// IsLocked reports whether key is held by anyone.
	IsLocked(key string) bool
	// LockCount returns the number of held keys.
	LockCount() int
}

type waiter struct {
	owner any
	st    *stage.Stage
	timer *time.Timer
}

type keyLock struct {
	owner   any
	waiters []*waiter
}

// Manager is a Locker backed by a concurrent map of per-key lock states.
// Owners must be comparable.
type Manager struct {
	locks *xsync.MapOf[string, *keyLock]
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: xsync.NewMapOf[string, *keyLock]()}
}

// Lock implements Locker. A non-positive timeout fails immediately when the key is
// held by another owner.
func (m *Manager) Lock(key string, owner any, timeout time.Duration) *stage.Stage {
	if timeout <= 0 {
		if m.TryLock(key, owner) {
			return stage.Completed(nil)
		}

		return stage.Failed(ewrap.Wrapf(sentinel.ErrLockTimeout, "key %q is locked", key))
	}

	var result *stage.Stage

	m.locks.Compute(key, func(cur *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded || cur == nil {
			result = stage.Completed(nil)

			return &keyLock{owner: owner}, false
		}

		if cur.owner == owner {
			result = stage.Completed(nil)

			return cur, false
		}

		w := &waiter{owner: owner, st: stage.New()}
		// created under the bucket lock so a grant or expiry always sees the timer
		w.timer = time.AfterFunc(timeout, func() { m.expire(key, w, timeout) })
		cur.waiters = append(cur.waiters, w)
		result = w.st

		return cur, false
	})

	return result
}

// TryLock implements Locker.
func (m *Manager) TryLock(key string, owner any) bool {
	acquired := false

	m.locks.Compute(key, func(cur *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded || cur == nil {
			acquired = true

			return &keyLock{owner: owner}, false
		}

		acquired = cur.owner == owner

		return cur, false
	})

	return acquired
}

// Unlock implements Locker.
func (m *Manager) Unlock(key string, owner any) {
	var next *waiter

	m.locks.Compute(key, func(cur *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded || cur == nil {
			return nil, true
		}

		if cur.owner != owner {
			return cur, false
		}

		if len(cur.waiters) == 0 {
			return nil, true
		}

		next = cur.waiters[0]
		cur.waiters = cur.waiters[1:]
		cur.owner = next.owner
		next.timer.Stop()

		return cur, false
	})

	// completed outside Compute: continuations may lock other keys
	if next != nil {
		next.st.Complete(nil, nil)
	}
}

func (m *Manager) expire(key string, w *waiter, timeout time.Duration) {
	expired := false

	m.locks.Compute(key, func(cur *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded || cur == nil {
			return nil, true
		}

		for i, candidate := range cur.waiters {
			if candidate == w {
				cur.waiters = append(cur.waiters[:i], cur.waiters[i+1:]...)
				expired = true

				break
			}
		}

		return cur, false
	})

	if expired {
		w.st.Complete(nil, ewrap.Wrapf(sentinel.ErrLockTimeout, "key %q not acquired within %s", key, timeout))
	}
}

// IsLocked implements Locker.
func (m *Manager) IsLocked(key string) bool {
	_, ok := m.locks.Load(key)

	return ok
}

// Owner returns the current holder of key.
func (m *Manager) Owner(key string) (any, bool) {
	l, ok := m.locks.Load(key)
	if !ok {
		return nil, false
	}

	return l.owner, true
}

// LockCount implements Locker.
func (m *Manager) LockCount() int { return m.locks.Size() }
