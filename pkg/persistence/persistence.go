// Package persistence connects the node to external stores. The Manager fans
// operations out to the configured stores, filtered by Mode, and reports every
// outcome through a stage so store I/O never blocks the invoking goroutine.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Mode selects which stores an operation reaches.
type Mode uint8

const (
	// All reaches private and shared stores.
	All Mode = iota
	// PrivateOnly skips shared stores; used by non-primary owners.
	PrivateOnly
	// SharedOnly reaches shared stores only.
	SharedOnly
)

func (m Mode) accepts(s Store) bool {
	switch m {
	case PrivateOnly:
		return !s.Shared()
	case SharedOnly:
		return s.Shared()
	default:
		return true
	}
}

// Store is an external key/entry store.
type Store interface {
	// Name identifies the store in logs and errors.
	Name() string
	// Shared reports whether every member sees the same data.
	Shared() bool
	Load(ctx context.Context, key string) (*entry.InternalEntry, bool, error)
	Write(ctx context.Context, e *entry.InternalEntry) error
	// Delete reports whether key was present.
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

// Executor runs store I/O.
type Executor func(func())

// Manager fans operations out to stores.
type Manager struct {
	stores []Store
	exec   Executor
	logger logging.Logger
	clock  func() time.Time
}

// Option configures the Manager.
type Option func(*Manager)

// WithStore appends a store. Loads consult stores in the order they were added.
func WithStore(s Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.stores = append(m.stores, s)
		}
	}
}

// WithExecutor replaces the default goroutine-per-operation executor.
func WithExecutor(exec Executor) Option {
	return func(m *Manager) {
		if exec != nil {
			m.exec = exec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithClock overrides the time source used for expiration checks.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager builds a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		exec:   func(fn func()) { go fn() },
		logger: logging.Nop{},
		clock:  time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Enabled reports whether at least one store is configured.
func (m *Manager) Enabled() bool { return m != nil && len(m.stores) > 0 }

// Stores returns the configured stores.
func (m *Manager) Stores() []Store { return m.stores }

func (m *Manager) run(fn func() (any, error)) *stage.Stage {
	st := stage.New()

	m.exec(func() { st.Complete(fn()) })

	return st
}

func fail(s Store, op string, err error) error {
	return ewrap.Wrapf(sentinel.ErrPersistence, "%s %s: %v", s.Name(), op, err)
}

// Load resolves to the first unexpired entry found, or nil.
func (m *Manager) Load(ctx context.Context, key string, mode Mode) *stage.Stage {
	return m.run(func() (any, error) {
		for _, s := range m.stores {
			if !mode.accepts(s) {
				continue
			}

			e, ok, err := s.Load(ctx, key)
			if err != nil {
				return nil, fail(s, "load", err)
			}

			if !ok {
				continue
			}

			if e.Expired(m.clock()) {
				_, _ = s.Delete(ctx, key) //nolint:errcheck // expired copy, best-effort purge

				continue
			}

			return e, nil
		}

		return (*entry.InternalEntry)(nil), nil
	})
}

// Write stores e in every accepted store.
func (m *Manager) Write(ctx context.Context, e *entry.InternalEntry, mode Mode) *stage.Stage {
	return m.run(func() (any, error) {
		var errs []error

		for _, s := range m.stores {
			if !mode.accepts(s) {
				continue
			}

			err := s.Write(ctx, e)
			if err != nil {
				m.logger.Warn("store write failed", logging.Fields{"store": s.Name(), "key": e.Key, "err": err.Error()})
				errs = append(errs, fail(s, "write", err))
			}
		}

		return nil, errors.Join(errs...)
	})
}

// Delete removes key from every accepted store; the value reports whether any had it.
func (m *Manager) Delete(ctx context.Context, key string, mode Mode) *stage.Stage {
	return m.run(func() (any, error) {
		var (
			errs  []error
			found bool
		)

		for _, s := range m.stores {
			if !mode.accepts(s) {
				continue
			}

			ok, err := s.Delete(ctx, key)
			if err != nil {
				errs = append(errs, fail(s, "delete", err))

				continue
			}

			found = found || ok
		}

		return found, errors.Join(errs...)
	})
}

// Clear empties every accepted store.
func (m *Manager) Clear(ctx context.Context, mode Mode) *stage.Stage {
	return m.run(func() (any, error) {
		var errs []error

		for _, s := range m.stores {
			if !mode.accepts(s) {
				continue
			}

			err := s.Clear(ctx)
			if err != nil {
				errs = append(errs, fail(s, "clear", err))
			}
		}

		return nil, errors.Join(errs...)
	})
}

// Size sums the sizes of the accepted stores.
func (m *Manager) Size(ctx context.Context, mode Mode) (int, error) {
	total := 0

	for _, s := range m.stores {
		if !mode.accepts(s) {
			continue
		}

		n, err := s.Size(ctx)
		if err != nil {
			return 0, fail(s, "size", err)
		}

		total += n
	}

	return total, nil
}
