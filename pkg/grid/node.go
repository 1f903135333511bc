// Package grid assembles a cluster member: the data container, the lock table, the
// ownership view, the transport, the persistence stores and the interceptor chain
// that every operation runs through. Node is a thin facade that builds commands and
// invokes the chain; it is what tests and the demo binary drive.
package grid

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/eviction"
	"github.com/hyp3rd/hypergrid/pkg/interceptor"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/lock"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/transport"
	"github.com/hyp3rd/hypergrid/pkg/tx"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
	"github.com/hyp3rd/hypergrid/pkg/workerpool"
)

const localOrigin = "local"

// Node is one member of the grid.
type Node struct {
	cfg    *Config
	id     string
	logger logging.Logger

	container   *container.Memory
	locks       *lock.Manager
	dm          *distribution.Manager
	persistence *persistence.Manager
	metrics     *interceptor.Metrics
	pool        *workerpool.Pool
	evictions   *workerpool.Pool
	table       *tx.Table
	coordinator *tx.Coordinator
	chain       *interceptor.Chain
	dist        *interceptor.Distribution

	httpServer *transport.Server
	mgmt       *ManagementHTTPServer
	stopping   atomic.Bool
}

// New builds and starts a node.
func New(ctx context.Context, opts ...Option) (*Node, error) {
	cfg := NewConfig(opts...)

	if cfg.Membership != nil && cfg.NodeID == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "node id is required to join a cluster")
	}

	logger := logging.OrNop(cfg.Logger)

	n := &Node{cfg: cfg, id: cfg.NodeID, logger: logger, locks: lock.NewManager()}
	if n.id == "" {
		n.id = localOrigin
	}

	onError := workerpool.WithErrorHandler(func(err error) {
		logger.Warn("background job failed", logging.Fields{"node": n.id, "error": err.Error()})
	})
	n.pool = workerpool.New(cfg.Workers, onError)
	// evictions are serialized on their own queue so a full replication queue never
	// blocks the write that triggered them
	n.evictions = workerpool.New(1, onError, workerpool.WithQueueSize(constants.DefaultEvictionQueue))

	err := n.initContainer()
	if err != nil {
		n.pool.Shutdown()
		n.evictions.Shutdown()

		return nil, err
	}

	if cfg.Membership != nil {
		n.dm = distribution.NewManager(cluster.NodeID(cfg.NodeID), cfg.Membership)
	}

	n.persistence = n.initPersistence()
	n.metrics = interceptor.NewMetrics(n.id)
	n.table = tx.NewTable(n.id)

	n.chain, n.dist, err = buildChain(cfg, collaborators{
		container:   n.container,
		dm:          n.dm,
		transport:   n.initTransport(),
		locks:       n.locks,
		persistence: n.persistence,
		metrics:     n.metrics,
		table:       n.table,
		logger:      logger,
		stopping:    n.stopping.Load,
	})
	if err != nil {
		n.pool.Shutdown()
		n.evictions.Shutdown()

		return nil, err
	}

	n.coordinator = tx.NewCoordinator(n.chain, n.table, logger)
	n.container.SetEvictionListener(n.onEvict)

	err = n.start(ctx)
	if err != nil {
		_ = n.Shutdown(context.WithoutCancel(ctx)) //nolint:errcheck // reporting the start failure

		return nil, err
	}

	logger.Info("node started", logging.Fields{"node": n.id, "clustered": n.dm != nil})

	return n, nil
}

func (n *Node) initContainer() error {
	opts := []container.Option{container.WithCapacity(n.cfg.Capacity), container.WithClock(n.cfg.Clock)}

	if n.cfg.Capacity > 0 {
		policy, err := eviction.NewPolicy(n.cfg.EvictionPolicy)
		if err != nil {
			return ewrap.Wrapf(err, "eviction policy %q", n.cfg.EvictionPolicy)
		}

		opts = append(opts, container.WithPolicy(policy))
	}

	c, err := container.New(opts...)
	if err != nil {
		return err
	}

	n.container = c

	return nil
}

func (n *Node) initPersistence() *persistence.Manager {
	opts := []persistence.Option{persistence.WithLogger(n.logger), persistence.WithClock(n.cfg.Clock)}

	for _, s := range n.cfg.Stores {
		if n.cfg.WriteBehind {
			s = persistence.NewAsyncStore(s, n.pool, n.logger)
		}

		opts = append(opts, persistence.WithStore(s))
	}

	return persistence.NewManager(opts...)
}

//nolint:ireturn
func (n *Node) initTransport() transport.Transport {
	if n.cfg.Membership == nil {
		return nil
	}

	local := cluster.NodeID(n.cfg.NodeID)

	switch {
	case n.cfg.Transport != nil:
		return n.cfg.Transport
	case n.cfg.Registry != nil:
		return transport.NewInProcess(local, n.cfg.Registry, n.pool)
	case n.cfg.HTTPTransport:
		return transport.NewHTTP(local, n.cfg.RemoteTimeout, transport.MembershipResolver(n.cfg.Membership), n.pool)
	default:
		return nil
	}
}

func (n *Node) start(ctx context.Context) error {
	if n.cfg.Registry != nil && n.dm != nil {
		n.cfg.Registry.Register(cluster.NodeID(n.cfg.NodeID), n)
	}

	if n.cfg.HTTPTransport && n.dm != nil {
		n.httpServer = transport.NewServer(n.cfg.Address, n)

		err := n.httpServer.Start(ctx)
		if err != nil {
			return err
		}
	}

	if n.cfg.ManagementAddr != "" {
		n.mgmt = NewManagementHTTPServer(n.cfg.ManagementAddr)

		err := n.mgmt.Start(ctx, n)
		if err != nil {
			return err
		}
	}

	return nil
}

// ID returns the member id.
func (n *Node) ID() string { return n.id }

// ManagementHTTPAddress returns the bound management address, empty when disabled.
func (n *Node) ManagementHTTPAddress() string {
	if n.mgmt == nil {
		return ""
	}

	return n.mgmt.Address()
}

// TransportAddress returns the bound HTTP transport address, empty when disabled.
func (n *Node) TransportAddress() string {
	if n.httpServer == nil {
		return ""
	}

	return n.httpServer.Address()
}

// Chain returns the interceptor chain, which may be mutated at runtime.
func (n *Node) Chain() *interceptor.Chain { return n.chain }

// Metrics returns the node counters.
func (n *Node) Metrics() *interceptor.Metrics { return n.metrics }

// Stats returns a snapshot of the node counters.
func (n *Node) Stats() map[string]uint64 { return n.metrics.Snapshot() }

// WriteMetrics writes the node counters in Prometheus text format.
func (n *Node) WriteMetrics(w io.Writer) { n.metrics.WritePrometheus(w) }

// Size returns the number of entries held in memory, L1 copies included.
func (n *Node) Size() int { return n.container.Size() }

// LockCount returns the number of keys currently locked on this member.
func (n *Node) LockCount() int { return n.locks.LockCount() }

// Peek returns the entry held in memory for key without touching it.
func (n *Node) Peek(key string) (*entry.InternalEntry, bool) { return n.container.Peek(key) }

// OpenTransactions returns the number of local and remote transactions not yet completed.
func (n *Node) OpenTransactions() (local, remote int) {
	return n.table.LocalCount(), n.table.RemoteCount()
}

// Owners returns the owners of key, primary first. A standalone node owns everything.
func (n *Node) Owners(key string) []string {
	if n.dm == nil {
		return []string{n.id}
	}

	owners := n.dm.Locate(key)
	out := make([]string, len(owners))

	for i, o := range owners {
		out[i] = string(o)
	}

	return out
}

// Members returns the ids of every member in the current topology.
func (n *Node) Members() []string {
	if n.dm == nil {
		return []string{n.id}
	}

	members := n.dm.Topology().Members()
	out := make([]string, len(members))

	for i, m := range members {
		out[i] = string(m)
	}

	return out
}

// ChainLayout returns the type names of the interceptors, in invocation order.
func (n *Node) ChainLayout() []string {
	list := n.chain.Interceptors()
	out := make([]string, 0, len(list))

	for _, i := range list {
		out = append(out, interceptor.TypeOf(i).String())
	}

	return out
}

// Settings returns the effective configuration for introspection.
func (n *Node) Settings() map[string]any {
	stores := make([]string, 0, len(n.persistence.Stores()))
	for _, s := range n.persistence.Stores() {
		stores = append(stores, s.Name())
	}

	settings := map[string]any{
		"node":           n.id,
		"lockTimeout":    n.cfg.LockTimeout.String(),
		"l1Lifespan":     n.cfg.L1Lifespan.String(),
		"capacity":       n.cfg.Capacity,
		"evictionPolicy": n.cfg.EvictionPolicy,
		"passivation":    n.cfg.Passivation,
		"writeBehind":    n.cfg.WriteBehind,
		"stores":         stores,
		"clustered":      n.dm != nil,
		"l1Requestors":   n.dist.Requestors().Len(),
	}

	if n.cfg.Membership != nil {
		ring := n.cfg.Membership.Ring()
		settings["replication"] = ring.Replication()
		settings["virtualNodesPerNode"] = ring.VirtualNodesPerNode()
		settings["topologyId"] = n.dm.TopologyID()
	}

	return settings
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return sentinel.ErrInvalidKey
	}

	return nil
}

// invoke runs the command produced by build through the chain. Commands failing
// with an outdated topology are rebuilt and resubmitted, up to MaxTopologyRetries
// times; the last command built is returned alongside the outcome.
func (n *Node) invoke(ctx context.Context, build func() commands.Command) (any, commands.Command, error) {
	if n.stopping.Load() {
		return nil, nil, sentinel.ErrShuttingDown
	}

	var (
		cmd commands.Command
		v   any
		err error
	)

	for attempt := 0; attempt <= n.cfg.MaxTopologyRetries; attempt++ {
		cmd = build()

		v, err = n.chain.Invoke(invocation.NewLocal(ctx), cmd)
		if err == nil || !errors.Is(err, sentinel.ErrOutdatedTopology) {
			return v, cmd, err
		}

		n.logger.Debug("retrying after topology change", logging.Fields{
			"node": n.id, "command": cmd.Kind().String(), "attempt": attempt + 1,
		})
	}

	return nil, cmd, err
}

func succeeded(cmd commands.Command) bool {
	wc, ok := cmd.(commands.WriteCommand)

	return !ok || wc.IsSuccessful()
}

// Get returns the value of key, or nil when absent.
func (n *Node) Get(ctx context.Context, key string, flags ...commands.Flags) (any, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	v, _, err := n.invoke(ctx, func() commands.Command { return commands.NewGet(key, flags...) })

	return v, err
}

// GetAll returns the values of the keys that are present.
func (n *Node) GetAll(ctx context.Context, keys []string, flags ...commands.Flags) (map[string]any, error) {
	for _, k := range keys {
		err := validKey(k)
		if err != nil {
			return nil, err
		}
	}

	v, _, err := n.invoke(ctx, func() commands.Command { return commands.NewGetAll(keys, flags...) })
	if err != nil {
		return nil, err
	}

	out, _ := v.(map[string]any)

	return out, nil
}

// Put stores value under key. The previous value is returned only with the
// ForceReturnValue flag.
func (n *Node) Put(ctx context.Context, key string, value any, flags ...commands.Flags) (any, error) {
	return n.PutWithMetadata(ctx, key, value, entry.Metadata{}, flags...)
}

// PutWithMetadata stores value under key with an explicit lifespan and max idle.
func (n *Node) PutWithMetadata(ctx context.Context, key string, value any, md entry.Metadata, flags ...commands.Flags) (any, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	v, _, err := n.invoke(ctx, func() commands.Command { return commands.NewPut(key, value, md, flags...) })

	return v, err
}

// PutIfAbsent stores value unless key is present. It returns the existing value and
// whether value was stored.
func (n *Node) PutIfAbsent(ctx context.Context, key string, value any, flags ...commands.Flags) (any, bool, error) {
	err := validKey(key)
	if err != nil {
		return nil, false, err
	}

	v, cmd, err := n.invoke(ctx, func() commands.Command {
		return commands.NewPutIfAbsent(key, value, entry.Metadata{}, flags...)
	})
	if err != nil {
		return nil, false, err
	}

	return v, succeeded(cmd), nil
}

// Remove deletes key and returns its previous value.
func (n *Node) Remove(ctx context.Context, key string, flags ...commands.Flags) (any, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	v, _, err := n.invoke(ctx, func() commands.Command { return commands.NewRemove(key, flags...) })

	return v, err
}

// RemoveIfEquals deletes key only when its value equals old.
func (n *Node) RemoveIfEquals(ctx context.Context, key string, old any) (bool, error) {
	err := validKey(key)
	if err != nil {
		return false, err
	}

	_, cmd, err := n.invoke(ctx, func() commands.Command { return commands.NewRemoveIfEquals(key, old) })
	if err != nil {
		return false, err
	}

	return succeeded(cmd), nil
}

// Replace overwrites key only when present and returns the previous value.
func (n *Node) Replace(ctx context.Context, key string, value any, flags ...commands.Flags) (any, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	v, _, err := n.invoke(ctx, func() commands.Command {
		return commands.NewReplace(key, value, entry.Metadata{}, flags...)
	})

	return v, err
}

// ReplaceIfEquals overwrites key only when its value equals old.
func (n *Node) ReplaceIfEquals(ctx context.Context, key string, old, value any) (bool, error) {
	err := validKey(key)
	if err != nil {
		return false, err
	}

	_, cmd, err := n.invoke(ctx, func() commands.Command {
		return commands.NewReplaceIfEquals(key, old, value, entry.Metadata{})
	})
	if err != nil {
		return false, err
	}

	return succeeded(cmd), nil
}

// PutAll stores every entry.
func (n *Node) PutAll(ctx context.Context, entries map[string]any, flags ...commands.Flags) error {
	for k := range entries {
		err := validKey(k)
		if err != nil {
			return err
		}
	}

	_, _, err := n.invoke(ctx, func() commands.Command { return commands.NewPutAll(entries, entry.Metadata{}, flags...) })

	return err
}

// Clear empties the grid: every member's memory and the stores.
func (n *Node) Clear(ctx context.Context) error {
	_, _, err := n.invoke(ctx, func() commands.Command { return commands.NewClear() })

	return err
}

// Evict drops key from this member's memory, passivating it when enabled.
func (n *Node) Evict(ctx context.Context, key string) error {
	err := validKey(key)
	if err != nil {
		return err
	}

	_, cmd, err := n.invoke(ctx, func() commands.Command { return commands.NewEvict(key) })
	if err != nil {
		return err
	}

	if !succeeded(cmd) {
		return ewrap.Newf("key %q is not in memory", key)
	}

	return nil
}

// onEvict is the container eviction listener. The victim is evicted through the
// chain on the worker pool, so eviction obeys locks and passivation; a victim that
// is locked stays in memory until the next eviction round.
func (n *Node) onEvict(key string) {
	job := func() error {
		cmd := commands.NewEvict(key, commands.SkipStatistics|commands.ZeroLockTimeout|commands.CacheModeLocal)

		_, err := n.chain.Invoke(invocation.NewLocal(context.Background()), cmd)
		if errors.Is(err, sentinel.ErrLockTimeout) {
			n.logger.Debug("eviction victim is locked", logging.Fields{"node": n.id, "key": key})

			return nil
		}

		if err != nil {
			return ewrap.Wrapf(err, "evict %q", key)
		}

		if cmd.IsSuccessful() {
			n.metrics.Evictions.Inc()
		}

		return nil
	}

	err := n.evictions.Submit(job)
	if err != nil {
		n.logger.Debug("eviction not scheduled", logging.Fields{"node": n.id, "key": key, "error": err.Error()})
	}
}

// Flush waits until queued background work (evictions, asynchronous replication,
// write-behind) has finished.
func (n *Node) Flush() {
	n.evictions.Wait()
	n.pool.Wait()
}

// HandleRemote executes a command sent by another member. Transaction completion
// commands run in the scope of the sender's transaction, registered on first contact.
func (n *Node) HandleRemote(ctx context.Context, origin cluster.NodeID, cmd commands.Command) (*transport.Response, error) {
	if n.stopping.Load() {
		return nil, sentinel.ErrShuttingDown
	}

	ictx := invocation.NewRemote(ctx, string(origin))
	if tc, ok := cmd.(commands.TxCommand); ok {
		ictx = invocation.NewRemoteTx(ctx, string(origin), n.table.Remote(tc.GlobalTx()))
	}

	v, err := n.chain.Invoke(ictx, cmd)
	if err != nil {
		return nil, err
	}

	resp := &transport.Response{Successful: succeeded(cmd)}

	switch val := v.(type) {
	case *entry.InternalEntry:
		resp.Entry = val
	case transport.Volatile:
		resp.Entry, resp.Volatile = val.Entry, true
	case map[string]versioning.Version:
		resp.Versions = val
	default:
		resp.Value = v
	}

	return resp, nil
}

// Shutdown stops accepting work, leaves the in-process cluster, stops the HTTP
// servers and drains the worker pool. In-flight commands that fail while stopping
// resolve silently.
func (n *Node) Shutdown(ctx context.Context) error {
	if n.stopping.Swap(true) {
		return nil
	}

	var errs []error

	if n.cfg.Registry != nil && n.dm != nil {
		n.cfg.Registry.Unregister(cluster.NodeID(n.cfg.NodeID))
	}

	if n.httpServer != nil {
		errs = append(errs, n.httpServer.Stop(ctx))
	}

	if n.mgmt != nil {
		errs = append(errs, n.mgmt.Shutdown(ctx))
	}

	n.evictions.Shutdown()
	n.pool.Wait()
	n.pool.Shutdown()

	n.logger.Info("node stopped", logging.Fields{"node": n.id})

	return errors.Join(errs...)
}
