package grid

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

// Config holds everything needed to assemble a Node and its interceptor chain.
// The zero value is a standalone, unbounded, non-persistent node.
type Config struct {
	// NodeID identifies the member inside the cluster.
	NodeID string
	// Address is the host:port the HTTP transport listens on.
	Address string
	// Membership is the cluster view shared with the other members. A nil
	// membership makes the node standalone.
	Membership *cluster.Membership
	// Transport delivers commands to other members. When nil it is derived from
	// Registry or HTTPTransport.
	Transport transport.Transport
	// Registry joins the node to an in-process cluster.
	Registry *transport.Registry
	// HTTPTransport serves and sends commands over HTTP.
	HTTPTransport bool
	// RemoteTimeout bounds one HTTP round trip.
	RemoteTimeout time.Duration
	// ReplicationMode chooses whether writes wait for their backups.
	ReplicationMode transport.Mode
	// L1Lifespan enables the near cache for keys owned elsewhere. Zero disables it.
	L1Lifespan time.Duration
	// LockTimeout bounds how long a write waits for a key lock.
	LockTimeout time.Duration
	// Capacity bounds the number of entries in memory. Zero means unbounded.
	Capacity int
	// EvictionPolicy names the policy used when Capacity is set.
	EvictionPolicy string
	// Stores are consulted in order for read-through and written on write-through.
	Stores []persistence.Store
	// Passivation keeps every key either in memory or in the stores, never both.
	Passivation bool
	// WriteBehind writes stores asynchronously on the worker pool.
	WriteBehind bool
	// Tracing adds spans and call metrics to every command.
	Tracing bool
	Tracer  trace.Tracer
	Meter   metric.Meter
	// Logger receives the node and pipeline logs.
	Logger logging.Logger
	// Workers sizes the pool running evictions, async replication and write-behind.
	Workers int
	// MaxTopologyRetries bounds resubmissions after an outdated topology.
	MaxTopologyRetries int
	// ManagementAddr enables the management HTTP server when not empty.
	ManagementAddr string
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Option configures a Node.
type Option func(*Config)

// NewConfig returns a Config with default values:
//   - `LockTimeout` is set to `constants.DefaultLockTimeout`
//   - `EvictionPolicy` is set to `constants.DefaultEvictionPolicy`
//   - `Workers` is set to `constants.DefaultWorkers`
//   - `MaxTopologyRetries` is set to `constants.DefaultTopologyRetries`
//   - `RemoteTimeout` is set to `constants.DefaultRemoteTimeout`
//
// The options are applied after the defaults.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		LockTimeout:        constants.DefaultLockTimeout,
		EvictionPolicy:     constants.DefaultEvictionPolicy,
		Workers:            constants.DefaultWorkers,
		MaxTopologyRetries: constants.DefaultTopologyRetries,
		RemoteTimeout:      constants.DefaultRemoteTimeout,
		Clock:              time.Now,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// WithNodeID is an option that sets the id of the node.
func WithNodeID(id string) Option {
	return func(cfg *Config) { cfg.NodeID = id }
}

// WithAddress is an option that sets the address of the HTTP transport.
func WithAddress(addr string) Option {
	return func(cfg *Config) { cfg.Address = addr }
}

// WithMembership is an option that joins the node to a cluster view.
func WithMembership(m *cluster.Membership) Option {
	return func(cfg *Config) { cfg.Membership = m }
}

// WithTransport is an option that sets a custom transport.
func WithTransport(t transport.Transport) Option {
	return func(cfg *Config) { cfg.Transport = t }
}

// WithInProcessRegistry is an option that joins the node to an in-process cluster.
// The node registers itself as the handler of its id.
func WithInProcessRegistry(r *transport.Registry) Option {
	return func(cfg *Config) { cfg.Registry = r }
}

// WithHTTPTransport is an option that enables the HTTP transport. A non-positive
// timeout keeps the default.
func WithHTTPTransport(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.HTTPTransport = true
		if timeout > 0 {
			cfg.RemoteTimeout = timeout
		}
	}
}

// WithReplicationMode is an option that chooses synchronous or asynchronous backups.
func WithReplicationMode(mode transport.Mode) Option {
	return func(cfg *Config) { cfg.ReplicationMode = mode }
}

// WithL1 is an option that enables the L1 near cache with the given lifespan cap.
func WithL1(lifespan time.Duration) Option {
	return func(cfg *Config) {
		if lifespan < 0 {
			lifespan = 0
		}

		cfg.L1Lifespan = lifespan
	}
}

// WithLockTimeout is an option that sets how long writes wait for key locks.
func WithLockTimeout(timeout time.Duration) Option {
	return func(cfg *Config) { cfg.LockTimeout = timeout }
}

// WithCapacity is an option that bounds the number of entries kept in memory.
// When the bound is exceeded the eviction policy picks a victim, which is evicted
// through the pipeline (and passivated when passivation is enabled).
func WithCapacity(capacity int) Option {
	return func(cfg *Config) { cfg.Capacity = capacity }
}

// WithEvictionPolicy is an option that sets the eviction policy ("lru", "lfu", "clock").
func WithEvictionPolicy(name string) Option {
	return func(cfg *Config) { cfg.EvictionPolicy = name }
}

// WithStore is an option that appends a persistence store.
func WithStore(s persistence.Store) Option {
	return func(cfg *Config) {
		if s != nil {
			cfg.Stores = append(cfg.Stores, s)
		}
	}
}

// WithPassivation is an option that enables passivation.
func WithPassivation() Option {
	return func(cfg *Config) { cfg.Passivation = true }
}

// WithWriteBehind is an option that makes store writes asynchronous.
func WithWriteBehind() Option {
	return func(cfg *Config) { cfg.WriteBehind = true }
}

// WithTracing is an option that enables tracing. Nil providers fall back to the
// global OpenTelemetry ones.
func WithTracing(tracer trace.Tracer, meter metric.Meter) Option {
	return func(cfg *Config) {
		cfg.Tracing = true
		cfg.Tracer = tracer
		cfg.Meter = meter
	}
}

// WithLogger is an option that sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

// WithWorkers is an option that sizes the background worker pool.
func WithWorkers(n int) Option {
	return func(cfg *Config) {
		if n > 0 {
			cfg.Workers = n
		}
	}
}

// WithMaxTopologyRetries is an option that bounds resubmissions after a topology change.
func WithMaxTopologyRetries(n int) Option {
	return func(cfg *Config) {
		if n >= 0 {
			cfg.MaxTopologyRetries = n
		}
	}
}

// WithManagementHTTP is an option that enables the management HTTP server on addr.
func WithManagementHTTP(addr string) Option {
	return func(cfg *Config) { cfg.ManagementAddr = addr }
}

// WithClock is an option that overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(cfg *Config) {
		if clock != nil {
			cfg.Clock = clock
		}
	}
}
