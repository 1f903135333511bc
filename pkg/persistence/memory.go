package persistence

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hyp3rd/hypergrid/pkg/entry"
)

// MemoryStore keeps entries in a concurrent map. Sharing one instance between
// nodes models a shared store.
type MemoryStore struct {
	name    string
	shared  bool
	entries *xsync.MapOf[string, *entry.InternalEntry]

	loads   atomic.Int64
	writes  atomic.Int64
	deletes atomic.Int64
}

// NewMemoryStore builds an empty store.
func NewMemoryStore(name string, shared bool) *MemoryStore {
	return &MemoryStore{name: name, shared: shared, entries: xsync.NewMapOf[string, *entry.InternalEntry]()}
}

func (s *MemoryStore) Name() string { return s.name }

func (s *MemoryStore) Shared() bool { return s.shared }

func (s *MemoryStore) Load(_ context.Context, key string) (*entry.InternalEntry, bool, error) {
	s.loads.Add(1)

	e, ok := s.entries.Load(key)
	if !ok {
		return nil, false, nil
	}

	return e.Clone(), true, nil
}

func (s *MemoryStore) Write(_ context.Context, e *entry.InternalEntry) error {
	err := e.Valid()
	if err != nil {
		return err
	}

	s.writes.Add(1)
	s.entries.Store(e.Key, e.Clone())

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.deletes.Add(1)

	_, ok := s.entries.LoadAndDelete(key)

	return ok, nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.entries.Clear()

	return nil
}

func (s *MemoryStore) Size(context.Context) (int, error) { return s.entries.Size(), nil }

// Contains reports whether key is stored, without counting a load.
func (s *MemoryStore) Contains(key string) bool {
	_, ok := s.entries.Load(key)

	return ok
}

// Loads returns how many loads were served.
func (s *MemoryStore) Loads() int64 { return s.loads.Load() }

// Writes returns how many writes were applied.
func (s *MemoryStore) Writes() int64 { return s.writes.Load() }

// Deletes returns how many deletes were requested.
func (s *MemoryStore) Deletes() int64 { return s.deletes.Load() }
