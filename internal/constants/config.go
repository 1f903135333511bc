// Package constants defines default configuration values for the hypergrid
// invocation pipeline: lock and topology timeouts, L1 lifetimes, eviction and
// persistence defaults.
package constants

import "time"

const (
	// DefaultLockTimeout is how long a write waits for a per-key lock before it
	// fails with a lock timeout. Commands flagged with a zero lock timeout never wait.
	DefaultLockTimeout = 10 * time.Second
	// DefaultL1Lifespan caps how long a node keeps a remotely fetched value in its
	// L1 cache. The effective lifespan is the minimum of this and the entry's own lifespan.
	DefaultL1Lifespan = 10 * time.Minute
	// DefaultReplication is the number of owners per key (primary plus backups).
	DefaultReplication = 2
	// DefaultVirtualNodes is the number of virtual nodes placed on the hash ring per member.
	DefaultVirtualNodes = 64
	// DefaultTopologyRetries bounds how many times an originator resubmits a command
	// that failed with an outdated topology.
	DefaultTopologyRetries = 3
	// DefaultEvictionPolicy is the eviction policy used by a bounded container.
	DefaultEvictionPolicy = "lru"
	// DefaultRemoteTimeout bounds a single remote invocation over the HTTP transport.
	DefaultRemoteTimeout = 2 * time.Second
	// DefaultWorkers is the number of workers serving asynchronous replication and write-behind.
	DefaultWorkers = 4
	// DefaultEvictionQueue is how many evictions may wait for the eviction worker.
	DefaultEvictionQueue = 1024
	// DefaultSQLTable is the table used by the sqlite store.
	DefaultSQLTable = "hypergrid_entries"
)
