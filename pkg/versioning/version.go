// Package versioning provides cluster-comparable entry versions used for
// write-skew detection in optimistic transactions.
package versioning

import (
	"fmt"
	"sync/atomic"
)

// Ordering is the result of comparing two versions.
type Ordering int

// Orderings.
const (
	Before Ordering = iota - 1
	Equal
	After
)

// Version identifies one state of an entry. Topology is the ownership epoch the
// version was assigned in; Counter grows by one on every write.
// The zero Version stands for "entry did not exist".
type Version struct {
	Topology uint64 `json:"topology" msgpack:"topology" cbor:"topology"`
	Counter  uint64 `json:"counter"  msgpack:"counter"  cbor:"counter"`
}

// IsZero reports whether v marks a non-existing entry.
func (v Version) IsZero() bool { return v.Counter == 0 && v.Topology == 0 }

// Compare orders v against o: topology first, then counter.
func (v Version) Compare(o Version) Ordering {
	switch {
	case v.Topology < o.Topology:
		return Before
	case v.Topology > o.Topology:
		return After
	case v.Counter < o.Counter:
		return Before
	case v.Counter > o.Counter:
		return After
	}

	return Equal
}

func (v Version) String() string { return fmt.Sprintf("%d:%d", v.Topology, v.Counter) }

// Generator hands out versions.
type Generator interface {
	// Generate returns the version of a newly created entry.
	Generate() Version
	// Increment returns the version that follows prev. It is deterministic for a
	// given prev and topology so every owner computing it agrees.
	Increment(prev Version) Version
	// NonExisting returns the version recorded for an absent entry.
	NonExisting() Version
}

// ClusteredGenerator stamps versions with the current topology id.
type ClusteredGenerator struct {
	topology func() uint64
}

// NewGenerator returns a generator reading the topology id from topologyFn.
// A nil topologyFn pins the topology to zero (single node).
func NewGenerator(topologyFn func() uint64) *ClusteredGenerator {
	if topologyFn == nil {
		var zero atomic.Uint64

		topologyFn = zero.Load
	}

	return &ClusteredGenerator{topology: topologyFn}
}

// Generate implements Generator.
func (g *ClusteredGenerator) Generate() Version {
	return Version{Topology: g.topology(), Counter: 1}
}

// Increment implements Generator.
func (g *ClusteredGenerator) Increment(prev Version) Version {
	topology := g.topology()
	if prev.Topology > topology {
		topology = prev.Topology
	}

	return Version{Topology: topology, Counter: prev.Counter + 1}
}

// NonExisting implements Generator.
func (*ClusteredGenerator) NonExisting() Version { return Version{} }
