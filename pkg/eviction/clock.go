package eviction

import "sync"

type clockSlot struct {
	key        string
	referenced bool
	used       bool
}

// Clock approximates LRU with a reference bit per key and a hand sweeping a ring of
// slots: a referenced key gets a second chance, an unreferenced one is the victim.
type Clock struct {
	mu    sync.Mutex
	slots []clockSlot
	free  []int
	keys  map[string]int
	hand  int
}

// NewClock returns an empty Clock policy.
func NewClock() *Clock {
	return &Clock{keys: make(map[string]int)}
}

// Record implements Policy.
func (c *Clock) Record(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.keys[key]; ok {
		c.slots[i].referenced = true

		return
	}

	slot := clockSlot{key: key, referenced: true, used: true}

	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		c.slots[i] = slot
		c.keys[key] = i

		return
	}

	c.slots = append(c.slots, slot)
	c.keys[key] = len(c.slots) - 1
}

// Access implements Policy.
func (c *Clock) Access(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.keys[key]; ok {
		c.slots[i].referenced = true
	}
}

// Forget implements Policy.
func (c *Clock) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.release(key)
}

func (c *Clock) release(key string) {
	i, ok := c.keys[key]
	if !ok {
		return
	}

	delete(c.keys, key)
	c.slots[i] = clockSlot{}
	c.free = append(c.free, i)
}

// Victim implements Policy. Two sweeps are enough: the first clears every
// reference bit it passes.
func (c *Clock) Victim() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) == 0 {
		return "", false
	}

	for range 2 * len(c.slots) {
		if c.hand >= len(c.slots) {
			c.hand = 0
		}

		slot := &c.slots[c.hand]
		c.hand++

		if !slot.used {
			continue
		}

		if slot.referenced {
			slot.referenced = false

			continue
		}

		key := slot.key
		c.release(key)

		return key, true
	}

	return "", false
}

// Len implements Policy.
func (c *Clock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.keys)
}
