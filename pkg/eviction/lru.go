package eviction

import (
	"container/list"
	"sync"
)

// LRU evicts the least recently used key.
type LRU struct {
	mu    sync.Mutex
	order *list.List // front = most recent
	items map[string]*list.Element
}

// NewLRU returns an empty LRU policy.
func NewLRU() *LRU {
	return &LRU{order: list.New(), items: make(map[string]*list.Element)}
}

// Record implements Policy.
func (l *LRU) Record(key string) { l.touch(key, true) }

// Access implements Policy.
func (l *LRU) Access(key string) { l.touch(key, false) }

func (l *LRU) touch(key string, insert bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[key]; ok {
		l.order.MoveToFront(el)

		return
	}

	if insert {
		l.items[key] = l.order.PushFront(key)
	}
}

// Forget implements Policy.
func (l *LRU) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[key]; ok {
		l.order.Remove(el)
		delete(l.items, key)
	}
}

// Victim implements Policy.
func (l *LRU) Victim() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el := l.order.Back()
	if el == nil {
		return "", false
	}

	key, _ := l.order.Remove(el).(string)
	delete(l.items, key)

	return key, true
}

// Len implements Policy.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.items)
}
