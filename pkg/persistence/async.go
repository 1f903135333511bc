package persistence

import (
	"context"
	"sync"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/workerpool"
)

// pending is a write or delete not yet applied to the delegate.
type pending struct {
	e   *entry.InternalEntry // nil = delete
	seq uint64
}

// AsyncStore is a write-behind decorator: writes and deletes are acknowledged at
// once and applied to the delegate on a worker pool. Loads see pending changes, and
// only the latest pending change of a key reaches the delegate.
type AsyncStore struct {
	delegate Store
	pool     *workerpool.Pool
	logger   logging.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[string]pending

	applyMu sync.Mutex // delegate changes are applied one at a time, in order
}

// NewAsyncStore decorates delegate. The pool is owned by the caller.
func NewAsyncStore(delegate Store, pool *workerpool.Pool, logger logging.Logger) *AsyncStore {
	return &AsyncStore{
		delegate: delegate,
		pool:     pool,
		logger:   logging.OrNop(logger),
		pending:  make(map[string]pending),
	}
}

func (s *AsyncStore) Name() string { return "async(" + s.delegate.Name() + ")" }

func (s *AsyncStore) Shared() bool { return s.delegate.Shared() }

func (s *AsyncStore) Load(ctx context.Context, key string) (*entry.InternalEntry, bool, error) {
	s.mu.Lock()
	p, ok := s.pending[key]
	s.mu.Unlock()

	if ok {
		if p.e == nil {
			return nil, false, nil
		}

		return p.e.Clone(), true, nil
	}

	return s.delegate.Load(ctx, key)
}

func (s *AsyncStore) Write(ctx context.Context, e *entry.InternalEntry) error {
	err := e.Valid()
	if err != nil {
		return err
	}

	return s.enqueue(ctx, e.Key, e.Clone())
}

func (s *AsyncStore) Delete(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Load(ctx, key)
	if err != nil {
		return false, err
	}

	return found, s.enqueue(ctx, key, nil)
}

func (s *AsyncStore) enqueue(ctx context.Context, key string, e *entry.InternalEntry) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.pending[key] = pending{e: e, seq: seq}
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	return s.pool.Submit(func() error {
		s.applyMu.Lock()
		defer s.applyMu.Unlock()

		s.mu.Lock()
		p, ok := s.pending[key]
		s.mu.Unlock()

		if !ok || p.seq != seq {
			// superseded by a later change to the same key
			return nil
		}

		var err error
		if e == nil {
			_, err = s.delegate.Delete(ctx, key)
		} else {
			err = s.delegate.Write(ctx, e)
		}

		if err != nil {
			s.logger.Error("write-behind failed", logging.Fields{"store": s.delegate.Name(), "key": key, "err": err.Error()})
		}

		s.mu.Lock()
		if p, ok := s.pending[key]; ok && p.seq == seq {
			delete(s.pending, key)
		}
		s.mu.Unlock()

		return err
	})
}

// Clear waits for pending changes, then clears the delegate.
func (s *AsyncStore) Clear(ctx context.Context) error {
	s.Flush()

	return s.delegate.Clear(ctx)
}

// Size waits for pending changes, then asks the delegate.
func (s *AsyncStore) Size(ctx context.Context) (int, error) {
	s.Flush()

	return s.delegate.Size(ctx)
}

// Flush blocks until every enqueued change reached the delegate.
func (s *AsyncStore) Flush() { s.pool.Wait() }
