package invocation

import (
	"time"

	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// Entry is the context-local shadow of a key. Reads and writes inside an invocation
// or transaction observe and mutate only the shadow; publication happens at commit
// and only when the shadow changed.
type Entry struct {
	Key      string
	Value    any
	Metadata entry.Metadata

	created  time.Time
	existed  bool
	changed  bool
	removed  bool
	evicted  bool
	loaded   bool
	readOnly bool
	l1Epoch  uint64
	read     versioning.Version
}

// NewEntry seeds a shadow from a container entry; a nil source yields an absent shadow.
func NewEntry(key string, src *entry.InternalEntry, readOnly bool) *Entry {
	e := &Entry{Key: key, readOnly: readOnly}
	if src != nil {
		e.Value = src.Value
		e.Metadata = src.Metadata
		e.created = src.Created
		e.existed = true
		e.read = src.Metadata.Version
	}

	return e
}

// Exists reports whether the shadow currently holds a value.
func (e *Entry) Exists() bool { return !e.removed && e.Value != nil }

// IsCreated reports whether the key was absent when the shadow was seeded.
func (e *Entry) IsCreated() bool { return !e.existed }

// IsChanged reports whether the shadow must be published.
func (e *Entry) IsChanged() bool { return e.changed }

// IsRemoved reports whether the shadow represents a removal.
func (e *Entry) IsRemoved() bool { return e.removed }

// IsEvicted reports whether the shadow represents an eviction.
func (e *Entry) IsEvicted() bool { return e.evicted }

// IsLoaded reports whether the value came from an external store.
func (e *Entry) IsLoaded() bool { return e.loaded }

// IsReadOnly reports whether the shadow was wrapped for reading.
func (e *Entry) IsReadOnly() bool { return e.readOnly }

// IsL1 reports whether the shadow holds a remotely fetched L1 value.
func (e *Entry) IsL1() bool { return e.Metadata.L1 }

// SetValue records a write.
func (e *Entry) SetValue(v any) {
	e.Value = v
	e.removed = false
	e.evicted = false
	e.changed = true
}

// SetRemoved records a removal.
func (e *Entry) SetRemoved() {
	e.Value = nil
	e.removed = true
	e.changed = true
}

// SetEvicted records an eviction: a removal from memory only.
func (e *Entry) SetEvicted() {
	e.SetRemoved()
	e.evicted = true
}

// SetLoaded fills an absent shadow with a value read from a store.
func (e *Entry) SetLoaded(src *entry.InternalEntry) {
	e.Value = src.Value
	e.Metadata = src.Metadata
	e.created = src.Created
	e.existed = true
	e.loaded = true
	e.read = src.Metadata.Version
}

// SetRemote fills the shadow with a value fetched from an owner. When publish is true
// the shadow is marked changed so the L1 copy gets stored at commit.
func (e *Entry) SetRemote(src *entry.InternalEntry, md entry.Metadata, publish bool) {
	e.Value = src.Value
	e.Metadata = md
	e.created = time.Time{}
	e.existed = true
	e.changed = publish
	e.read = src.Metadata.Version
}

// FenceL1 records the invalidation epoch the remote value was fetched under.
func (e *Entry) FenceL1(epoch uint64) { e.l1Epoch = epoch }

// L1Epoch returns the epoch recorded by FenceL1.
func (e *Entry) L1Epoch() uint64 { return e.l1Epoch }

// IsL1Copy reports whether committing the shadow stores an L1 copy.
func (e *Entry) IsL1Copy() bool { return e.changed && !e.removed && e.Metadata.L1 }

// ReadVersion returns the version of the value the shadow was seeded with; zero when
// the key was absent.
func (e *Entry) ReadVersion() versioning.Version { return e.read }

// MakeWritable upgrades a read shadow for writing.
func (e *Entry) MakeWritable() { e.readOnly = false }

// Reset discards pending changes; used when a shadow must not be published.
func (e *Entry) Reset() { e.changed = false }

// Commit publishes a changed shadow into c and reports whether anything was written.
func (e *Entry) Commit(c container.Container, now time.Time) bool {
	if !e.changed {
		return false
	}

	e.changed = false

	if e.removed {
		c.Remove(e.Key)

		return true
	}

	created := e.created
	if created.IsZero() || e.Metadata.Lifespan > 0 {
		// a write restarts the lifespan clock
		created = now
	}

	ie := &entry.InternalEntry{Key: e.Key, Value: e.Value, Metadata: e.Metadata, Created: created, LastUsed: now}
	_ = ie.SetSize() //nolint:errcheck // size is advisory

	c.Put(ie)

	return true
}

// Snapshot renders the shadow as a container entry; nil when absent.
func (e *Entry) Snapshot(now time.Time) *entry.InternalEntry {
	if !e.Exists() {
		return nil
	}

	created := e.created
	if created.IsZero() {
		created = now
	}

	return &entry.InternalEntry{Key: e.Key, Value: e.Value, Metadata: e.Metadata, Created: created, LastUsed: now}
}
