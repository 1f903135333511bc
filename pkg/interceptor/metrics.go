package interceptor

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds the counters shared by the stats and persistence interceptors.
type Metrics struct {
	set *metrics.Set

	Hits         *metrics.Counter
	Misses       *metrics.Counter
	Stores       *metrics.Counter
	Removes      *metrics.Counter
	Evictions    *metrics.Counter
	Loads        *metrics.Counter
	LoadMisses   *metrics.Counter
	StoreWrites  *metrics.Counter
	StoreDeletes *metrics.Counter
	Passivations *metrics.Counter
	Activations  *metrics.Counter
}

// NewMetrics registers the counters of node in a fresh set.
func NewMetrics(node string) *Metrics {
	set := metrics.NewSet()
	counter := func(name string) *metrics.Counter {
		return set.NewCounter(fmt.Sprintf(`hypergrid_%s_total{node=%q}`, name, node))
	}

	return &Metrics{
		set:          set,
		Hits:         counter("hits"),
		Misses:       counter("misses"),
		Stores:       counter("stores"),
		Removes:      counter("removes"),
		Evictions:    counter("evictions"),
		Loads:        counter("loader_loads"),
		LoadMisses:   counter("loader_misses"),
		StoreWrites:  counter("writer_stores"),
		StoreDeletes: counter("writer_deletes"),
		Passivations: counter("passivations"),
		Activations:  counter("activations"),
	}
}

// WritePrometheus writes every counter in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) { m.set.WritePrometheus(w) }

// Snapshot returns the counter values by short name.
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"hits":           m.Hits.Get(),
		"misses":         m.Misses.Get(),
		"stores":         m.Stores.Get(),
		"removes":        m.Removes.Get(),
		"evictions":      m.Evictions.Get(),
		"loader_loads":   m.Loads.Get(),
		"loader_misses":  m.LoadMisses.Get(),
		"writer_stores":  m.StoreWrites.Get(),
		"writer_deletes": m.StoreDeletes.Get(),
		"passivations":   m.Passivations.Get(),
		"activations":    m.Activations.Get(),
	}
}

func orNewMetrics(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics("local")
	}

	return m
}
