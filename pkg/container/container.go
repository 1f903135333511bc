// Package container provides the data container: the authoritative, node-local
// key to entry map the invocation pipeline publishes into.
//
// The container is sharded to minimize lock contention. Each shard is protected by
// its own read-write mutex and keys are spread with an inline FNV-1a hash.
// A bounded container tracks usage with an eviction policy and hands victims to an
// eviction listener, so that eviction itself can run through the interceptor chain.
package container

import (
	"sync"
	"time"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/eviction"
)

const (
	// ShardCount is the number of shards used by the container.
	ShardCount = 32
	// ShardCount32 is ShardCount pre-casted to uint32.
	ShardCount32 uint32 = uint32(ShardCount)
)

// Container is the contract the pipeline consumes.
type Container interface {
	// Get returns the live entry for key, touching it. Expired entries are dropped.
	Get(key string) (*entry.InternalEntry, bool)
	// Peek returns the entry for key without recording an access.
	Peek(key string) (*entry.InternalEntry, bool)
	// Put stores e, replacing any previous entry.
	Put(e *entry.InternalEntry)
	// PutIfAbsent stores e unless key is already present; it reports whether e was stored.
	PutIfAbsent(e *entry.InternalEntry) bool
	// Remove deletes key and returns the removed entry.
	Remove(key string) (*entry.InternalEntry, bool)
	// Size returns the number of entries.
	Size() int
	// Keys returns a snapshot of the stored keys.
	Keys() []string
	// Clear removes every entry.
	Clear()
}

// EvictionListener receives keys the eviction policy selected for removal.
// When no listener is set the container removes victims itself.
type EvictionListener func(key string)

// Option configures a Memory container.
type Option func(*Memory)

// WithCapacity bounds the number of entries. Zero means unbounded.
func WithCapacity(capacity int) Option {
	return func(m *Memory) { m.capacity = capacity }
}

// WithPolicy sets the eviction policy of a bounded container.
func WithPolicy(p eviction.Policy) Option {
	return func(m *Memory) { m.policy = p }
}

// WithEvictionListener sets the listener notified of eviction victims.
func WithEvictionListener(fn EvictionListener) Option {
	return func(m *Memory) { m.onEvict = fn }
}

// WithClock overrides the time source used for expiration.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// Memory is the sharded in-memory Container.
type Memory struct {
	shards   []*shard
	capacity int
	policy   eviction.Policy
	onEvict  EvictionListener
	now      func() time.Time
}

type shard struct {
	sync.RWMutex

	items map[string]*entry.InternalEntry
}

// New creates a container. A positive capacity without an explicit policy uses LRU.
func New(opts ...Option) (*Memory, error) {
	m := &Memory{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}

	if m.capacity < 0 {
		return nil, sentinel.ErrInvalidCapacity
	}

	if m.capacity > 0 && m.policy == nil {
		m.policy = eviction.NewLRU()
	}

	m.shards = make([]*shard, ShardCount)
	for i := range ShardCount {
		m.shards[i] = &shard{items: make(map[string]*entry.InternalEntry)}
	}

	return m, nil
}

// SetEvictionListener replaces the eviction listener. It is meant to be called
// once while wiring a node, before the container serves traffic.
func (m *Memory) SetEvictionListener(fn EvictionListener) { m.onEvict = fn }

// Capacity returns the configured bound (0 = unbounded).
func (m *Memory) Capacity() int { return m.capacity }

func (m *Memory) shardFor(key string) *shard {
	const (
		fnvOffset32 = 2166136261
		fnvPrime32  = 16777619
	)

	var sum uint32 = fnvOffset32
	for i := range key {
		sum ^= uint32(key[i])
		sum *= fnvPrime32
	}

	return m.shards[sum&(ShardCount32-1)]
}

// Get implements Container.
func (m *Memory) Get(key string) (*entry.InternalEntry, bool) {
	e, ok := m.lookup(key)
	if !ok {
		return nil, false
	}

	s := m.shardFor(key)
	s.Lock()
	e.Touch(m.now())
	s.Unlock()

	if m.policy != nil {
		m.policy.Access(key)
	}

	return e.Clone(), true
}

// Peek implements Container.
func (m *Memory) Peek(key string) (*entry.InternalEntry, bool) {
	e, ok := m.lookup(key)
	if !ok {
		return nil, false
	}

	return e.Clone(), true
}

func (m *Memory) lookup(key string) (*entry.InternalEntry, bool) {
	s := m.shardFor(key)
	s.RLock()
	e, ok := s.items[key]
	s.RUnlock()

	if !ok {
		return nil, false
	}

	if e.Expired(m.now()) {
		m.expire(key, e)

		return nil, false
	}

	return e, true
}

// expire drops an expired entry unless it was replaced meanwhile.
func (m *Memory) expire(key string, seen *entry.InternalEntry) {
	s := m.shardFor(key)
	s.Lock()

	if cur, ok := s.items[key]; ok && cur == seen {
		delete(s.items, key)
	}

	s.Unlock()

	if m.policy != nil {
		m.policy.Forget(key)
	}
}

// Put implements Container.
func (m *Memory) Put(e *entry.InternalEntry) {
	stored := e.Clone()

	s := m.shardFor(e.Key)
	s.Lock()
	s.items[e.Key] = stored
	s.Unlock()

	m.recordAndEvict(e.Key)
}

// PutIfAbsent implements Container.
func (m *Memory) PutIfAbsent(e *entry.InternalEntry) bool {
	if _, ok := m.lookup(e.Key); ok {
		return false
	}

	s := m.shardFor(e.Key)
	s.Lock()

	if _, ok := s.items[e.Key]; ok {
		s.Unlock()

		return false
	}

	s.items[e.Key] = e.Clone()
	s.Unlock()

	m.recordAndEvict(e.Key)

	return true
}

func (m *Memory) recordAndEvict(key string) {
	if m.policy == nil || m.capacity <= 0 {
		return
	}

	m.policy.Record(key)

	for m.Size() > m.capacity {
		victim, ok := m.policy.Victim()
		if !ok {
			return
		}

		if victim == key && m.policy.Len() > 0 {
			// never evict the entry that triggered eviction while others remain
			m.policy.Record(key)

			continue
		}

		if m.onEvict != nil {
			m.onEvict(victim)

			if m.contains(victim) {
				// the listener declined (e.g. the key is locked); keep tracking it
				m.policy.Record(victim)

				return
			}

			continue
		}

		m.Remove(victim)
	}
}

func (m *Memory) contains(key string) bool {
	s := m.shardFor(key)
	s.RLock()
	_, ok := s.items[key]
	s.RUnlock()

	return ok
}

// Remove implements Container.
func (m *Memory) Remove(key string) (*entry.InternalEntry, bool) {
	s := m.shardFor(key)
	s.Lock()

	e, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}

	s.Unlock()

	if ok && m.policy != nil {
		m.policy.Forget(key)
	}

	return e, ok
}

// Size implements Container.
func (m *Memory) Size() int {
	count := 0

	for _, s := range m.shards {
		s.RLock()
		count += len(s.items)
		s.RUnlock()
	}

	return count
}

// Keys implements Container.
func (m *Memory) Keys() []string {
	keys := make([]string, 0, m.Size())

	for _, s := range m.shards {
		s.RLock()

		for k := range s.items {
			keys = append(keys, k)
		}

		s.RUnlock()
	}

	return keys
}

// Clear implements Container.
func (m *Memory) Clear() {
	for _, s := range m.shards {
		s.Lock()

		for k := range s.items {
			if m.policy != nil {
				m.policy.Forget(k)
			}
		}

		s.items = make(map[string]*entry.InternalEntry)
		s.Unlock()
	}
}
