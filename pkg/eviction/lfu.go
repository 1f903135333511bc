package eviction

import (
	"container/heap"
	"sync"
)

// LFU evicts the least frequently used key, breaking ties by recency.
type LFU struct {
	mu    sync.Mutex
	items map[string]*node
	freqs frequencyHeap
	seq   uint64 // monotonic access sequence, higher = more recent
}

type node struct {
	key   string
	count int
	index int
	last  uint64
}

//nolint:recvcheck
type frequencyHeap []*node

func (fh frequencyHeap) Len() int { return len(fh) }

func (fh frequencyHeap) Less(i, j int) bool {
	if fh[i].count == fh[j].count {
		return fh[i].last < fh[j].last
	}

	return fh[i].count < fh[j].count
}

func (fh frequencyHeap) Swap(i, j int) {
	fh[i], fh[j] = fh[j], fh[i]
	fh[i].index = i
	fh[j].index = j
}

func (fh *frequencyHeap) Push(x any) {
	n, ok := x.(*node)
	if !ok {
		return
	}

	n.index = len(*fh)
	*fh = append(*fh, n)
}

func (fh *frequencyHeap) Pop() any {
	old := *fh
	n := old[len(old)-1]
	n.index = -1
	*fh = old[:len(old)-1]

	return n
}

// NewLFU returns an empty LFU policy.
func NewLFU() *LFU {
	return &LFU{items: make(map[string]*node)}
}

// Record implements Policy.
func (l *LFU) Record(key string) { l.bump(key, true) }

// Access implements Policy.
func (l *LFU) Access(key string) { l.bump(key, false) }

func (l *LFU) bump(key string, insert bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++

	if n, ok := l.items[key]; ok {
		n.count++
		n.last = l.seq
		heap.Fix(&l.freqs, n.index)

		return
	}

	if !insert {
		return
	}

	n := &node{key: key, count: 1, last: l.seq}
	l.items[key] = n
	heap.Push(&l.freqs, n)
}

// Forget implements Policy.
func (l *LFU) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.items[key]
	if !ok {
		return
	}

	heap.Remove(&l.freqs, n.index)
	delete(l.items, key)
}

// Victim implements Policy.
func (l *LFU) Victim() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.freqs) == 0 {
		return "", false
	}

	n, ok := heap.Pop(&l.freqs).(*node)
	if !ok {
		return "", false
	}

	delete(l.items, n.key)

	return n.key, true
}

// Len implements Policy.
func (l *LFU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.items)
}
