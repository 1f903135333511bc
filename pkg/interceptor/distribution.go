package interceptor

import (
	"slices"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/lock"
	"github.com/hyp3rd/hypergrid/pkg/stage"
	"github.com/hyp3rd/hypergrid/pkg/transport"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// Distribution routes commands to the consistent-hash owners of their keys.
//
// Reads of keys owned elsewhere are fetched from the owners, primary first, and may
// be kept in a local L1 copy. Writes are applied by the primary owner, which then
// replicates them to the backup owners and invalidates L1 copies on the members that
// fetched the key. Transactional writes only enlist the owners as participants;
// prepare, commit and rollback are then sent once per phase to that set.
type Distribution struct {
	Base
	placement

	transport  transport.Transport
	locks      lock.Locker
	container  container.Container
	requestors *distribution.Requestors
	mode       transport.Mode
	l1Lifespan time.Duration
	clock      func() time.Time
	logger     logging.Logger
}

// DistributionOption configures Distribution.
type DistributionOption func(*Distribution)

// WithReplicationMode selects synchronous or asynchronous replication to backups.
func WithReplicationMode(mode transport.Mode) DistributionOption {
	return func(d *Distribution) { d.mode = mode }
}

// WithL1 enables L1 copies of remotely fetched values with the given lifespan cap.
func WithL1(lifespan time.Duration) DistributionOption {
	return func(d *Distribution) { d.l1Lifespan = lifespan }
}

// WithOwnerState lets an owner tell requestors not to keep an L1 copy of a value
// read while a write of the key was in flight.
func WithOwnerState(locks lock.Locker, c container.Container) DistributionOption {
	return func(d *Distribution) { d.locks, d.container = locks, c }
}

// WithDistributionClock sets the clock used to compute L1 lifespans.
func WithDistributionClock(clock func() time.Time) DistributionOption {
	return func(d *Distribution) { d.clock = clock }
}

// WithDistributionLogger sets the logger.
func WithDistributionLogger(l logging.Logger) DistributionOption {
	return func(d *Distribution) { d.logger = logging.OrNop(l) }
}

// NewDistribution builds the interceptor. dm may be nil, which makes every command
// local.
func NewDistribution(dm *distribution.Manager, t transport.Transport, opts ...DistributionOption) *Distribution {
	d := &Distribution{
		placement:  placement{dm: dm},
		transport:  t,
		requestors: distribution.NewRequestors(),
		mode:       transport.Sync,
		clock:      time.Now,
		logger:     logging.Nop{},
	}

	for _, o := range opts {
		o(d)
	}

	return d
}

// Requestors exposes the L1 requestor tracker.
func (d *Distribution) Requestors() *distribution.Requestors { return d.requestors }

func (d *Distribution) distributed(cmd commands.Command) bool {
	return d.clustered() && d.transport != nil && !cmd.Flags().Has(commands.CacheModeLocal)
}

// checkTopology stamps local commands with the current topology and rejects remote
// commands routed with an older one.
func (d *Distribution) checkTopology(ctx *invocation.Context, cmd commands.Command) error {
	if !d.clustered() {
		return nil
	}

	current := d.dm.TopologyID()
	if ctx.IsOriginLocal() {
		cmd.SetTopologyID(current)

		return nil
	}

	if cmd.TopologyID() < current {
		return ewrap.Wrapf(sentinel.ErrOutdatedTopology, "%s routed with topology %d, current is %d",
			cmd.Kind(), cmd.TopologyID(), current)
	}

	return nil
}

func (d *Distribution) outdated(cmd commands.Command, key string) error {
	return ewrap.Wrapf(sentinel.ErrOutdatedTopology, "%s of %q reached a member that is no longer its owner", cmd.Kind(), key)
}

func (d *Distribution) VisitGet(ctx *invocation.Context, cmd *commands.GetCommand, next Next) *stage.Stage {
	if !d.distributed(cmd) {
		return next.Invoke(ctx, cmd)
	}

	err := d.checkTopology(ctx, cmd)
	if err != nil {
		return stage.Failed(err)
	}

	key := cmd.Key()

	if !ctx.IsOriginLocal() {
		if !d.owns(key) {
			return stage.Failed(d.outdated(cmd, key))
		}

		if cmd.Flags().Has(commands.SkipL1) {
			return next.Invoke(ctx, cmd)
		}

		// registered before the answer is checked, so a write that misses the
		// registration is still holding the key or has changed its version
		d.requestors.Add(key, cluster.NodeID(ctx.Origin()))

		return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
			if ie, ok := v.(*entry.InternalEntry); ok && ie != nil && d.unsettled(key, ie) {
				return transport.Volatile{Entry: ie}, nil
			}

			return v, nil
		})
	}

	if !d.needsRemoteRead(ctx, cmd, key) {
		return next.Invoke(ctx, cmd)
	}

	return d.remoteGet(ctx, key, d.publishL1(ctx, cmd)).Compose(func(_ any, err error) *stage.Stage {
		if err != nil {
			return stage.Failed(err)
		}

		return next.Invoke(ctx, cmd)
	})
}

// unsettled reports whether ie may predate a write the requestor would not be
// told about.
func (d *Distribution) unsettled(key string, ie *entry.InternalEntry) bool {
	if d.locks != nil && d.locks.IsLocked(key) {
		return true
	}

	if d.container == nil {
		return false
	}

	cur, ok := d.container.Peek(key)

	return !ok || cur.Metadata.Version != ie.Metadata.Version
}

func (d *Distribution) VisitGetAll(ctx *invocation.Context, cmd *commands.GetAllCommand, next Next) *stage.Stage {
	if !d.distributed(cmd) || !ctx.IsOriginLocal() {
		return next.Invoke(ctx, cmd)
	}

	err := d.checkTopology(ctx, cmd)
	if err != nil {
		return stage.Failed(err)
	}

	publish := d.publishL1(ctx, cmd)

	fetches := make([]*stage.Stage, 0, len(cmd.Keys))
	for _, k := range cmd.Keys {
		if d.needsRemoteRead(ctx, cmd, k) {
			fetches = append(fetches, d.remoteGet(ctx, k, publish))
		}
	}

	return stage.AllOf(fetches...).Compose(func(_ any, err error) *stage.Stage {
		if err != nil {
			return stage.Failed(err)
		}

		return next.Invoke(ctx, cmd)
	})
}

func (d *Distribution) needsRemoteRead(ctx *invocation.Context, cmd commands.Command, key string) bool {
	if cmd.Flags().Has(commands.SkipRemoteLookup) || d.owns(key) {
		return false
	}

	e, ok := ctx.Lookup(key)

	return !ok || (!e.Exists() && !e.IsChanged())
}

func (d *Distribution) publishL1(ctx *invocation.Context, cmd commands.Command) bool {
	return d.l1Lifespan > 0 && !ctx.IsInTx() && !cmd.Flags().Has(commands.SkipL1)
}

// remoteGet fetches key from its owners into the context shadow.
func (d *Distribution) remoteGet(ctx *invocation.Context, key string, publish bool) *stage.Stage {
	owners := slices.DeleteFunc(d.dm.Locate(key), func(id cluster.NodeID) bool { return id == d.dm.LocalNode() })

	fetch := commands.NewGet(key, commands.SkipRemoteLookup)
	if !publish {
		fetch.SetFlags(fetch.Flags().With(commands.SkipL1))
	}

	fetch.SetTopologyID(d.dm.TopologyID())

	epoch := d.dm.L1Fence().Epoch(key)

	return d.fetchFrom(ctx, owners, 0, fetch).ThenApply(func(v any) (any, error) {
		resp, _ := v.(*transport.Response)

		e := shadow(ctx, key)
		if resp == nil || resp.Entry == nil {
			return nil, nil
		}

		keep := publish && !resp.Volatile

		d.logger.Debug("remote read", logging.Fields{"key": key, "l1": keep})

		md := resp.Entry.Metadata
		md.Lifespan = resp.Entry.Remaining(d.clock())
		md.L1 = true

		if d.l1Lifespan > 0 {
			md = md.WithLifespan(d.l1Lifespan)
		}

		e.SetRemote(resp.Entry, md, keep)
		e.FenceL1(epoch)

		return nil, nil
	})
}

// fetchFrom asks owners[i] and falls back to the next owner on failure.
func (d *Distribution) fetchFrom(ctx *invocation.Context, owners []cluster.NodeID, i int, cmd *commands.GetCommand) *stage.Stage {
	if i >= len(owners) {
		return stage.Completed(nil)
	}

	target := owners[i]

	return d.transport.Invoke(goContext(ctx), []cluster.NodeID{target}, cmd, transport.Sync).
		Compose(func(v any, err error) *stage.Stage {
			if err != nil {
				if i+1 < len(owners) {
					d.logger.Debug("remote read failed, trying next owner", logging.Fields{
						"key": cmd.Key(), "node": string(target), "error": err.Error(),
					})

					return d.fetchFrom(ctx, owners, i+1, cmd)
				}

				return stage.Failed(err)
			}

			return stage.Completed(transport.FromStage(v)[target])
		})
}

func (d *Distribution) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return d.write(ctx, cmd, next)
}

func (d *Distribution) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	return d.write(ctx, cmd, next)
}

func (d *Distribution) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return d.write(ctx, cmd, next)
}

func (d *Distribution) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage {
	if !d.distributed(cmd) || ctx.IsInTx() || !ctx.IsOriginLocal() {
		return d.write(ctx, cmd, next)
	}

	err := d.checkTopology(ctx, cmd)
	if err != nil {
		return stage.Failed(err)
	}

	local := d.dm.LocalNode()
	groups := d.dm.GroupByPrimary(cmd.AffectedKeys())
	parts := make([]*stage.Stage, 0, len(groups))

	for primary, keys := range groups {
		sub := cmd.Subset(keys)

		if primary == local {
			parts = append(parts, next.Invoke(ctx, sub).ThenApply(func(any) (any, error) {
				if !sub.IsSuccessful() {
					return nil, nil
				}

				return d.replicate(ctx, sub, keys), nil
			}))

			continue
		}

		for _, k := range keys {
			d.dropL1(ctx, k)
		}

		parts = append(parts, d.forward(ctx, cmd, sub, primary))
	}

	return stage.AllOf(parts...).ThenApply(func(any) (any, error) { return nil, nil })
}

func (d *Distribution) VisitEvict(ctx *invocation.Context, cmd *commands.EvictCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (d *Distribution) VisitClear(ctx *invocation.Context, cmd *commands.ClearCommand, next Next) *stage.Stage {
	if !d.distributed(cmd) || !ctx.IsOriginLocal() {
		return next.Invoke(ctx, cmd)
	}

	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		members := d.dm.Members()
		if len(members) == 0 {
			return v, nil
		}

		bcast := cmd.Clone()
		bcast.SetTopologyID(d.dm.TopologyID())

		return d.transport.Invoke(goContext(ctx), members, bcast, transport.Sync).
			ThenApply(func(any) (any, error) { return v, nil }), nil
	})
}

// write handles single-key writes and the non-distributed cases of PutAll.
func (d *Distribution) write(ctx *invocation.Context, cmd commands.WriteCommand, next Next) *stage.Stage {
	if !d.distributed(cmd) {
		return next.Invoke(ctx, cmd)
	}

	if ctx.IsInTx() {
		return d.txWrite(ctx, cmd, next)
	}

	err := d.checkTopology(ctx, cmd)
	if err != nil {
		return stage.Failed(err)
	}

	keys := cmd.AffectedKeys()

	if !ctx.IsOriginLocal() {
		return d.remoteWrite(ctx, cmd, keys, next)
	}

	// single-key commands reach here from a local origin
	key := keys[0]
	if d.primary(key) {
		return d.applyAndReplicate(ctx, cmd, keys, next)
	}

	if !d.owns(key) {
		d.dropL1(ctx, key)
	}

	return d.forward(ctx, cmd, cmd, d.dm.PrimaryOwner(key))
}

func (d *Distribution) remoteWrite(ctx *invocation.Context, cmd commands.WriteCommand, keys []string, next Next) *stage.Stage {
	if cmd.Flags().Has(commands.BackupWrite) {
		for _, k := range keys {
			if !d.owns(k) {
				return stage.Failed(d.outdated(cmd, k))
			}
		}

		return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
			return d.invalidate(ctx, keys, cluster.NodeID(ctx.Origin())).
				ThenApply(func(any) (any, error) { return v, nil }), nil
		})
	}

	for _, k := range keys {
		if !d.primary(k) {
			return stage.Failed(d.outdated(cmd, k))
		}
	}

	return d.applyAndReplicate(ctx, cmd, keys, next)
}

func (d *Distribution) applyAndReplicate(ctx *invocation.Context, cmd commands.WriteCommand, keys []string, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		if !cmd.IsSuccessful() {
			return v, nil
		}

		return d.replicate(ctx, cmd, keys).ThenApply(func(any) (any, error) { return v, nil }), nil
	})
}

// replicate sends cmd, restricted to the keys each backup owns, to the backup owners
// and then invalidates L1 copies.
func (d *Distribution) replicate(ctx *invocation.Context, cmd commands.WriteCommand, keys []string) *stage.Stage {
	local := d.dm.LocalNode()
	byNode := make(map[cluster.NodeID][]string)

	for _, k := range keys {
		for _, owner := range d.dm.Locate(k) {
			if owner != local && owner != d.dm.PrimaryOwner(k) {
				byNode[owner] = append(byNode[owner], k)
			}
		}
	}

	sends := make([]*stage.Stage, 0, len(byNode))

	for node, nodeKeys := range byNode {
		backup := backupCopy(cmd, nodeKeys)
		backup.SetFlags(backup.Flags().With(commands.BackupWrite))
		backup.SetTopologyID(d.dm.TopologyID())

		d.logger.Debug("replicating", logging.Fields{"node": string(node), "keys": nodeKeys, "mode": int(d.mode)})

		sends = append(sends, d.transport.Invoke(goContext(ctx), []cluster.NodeID{node}, backup, d.mode))
	}

	return stage.AllOf(sends...).Compose(func(_ any, err error) *stage.Stage {
		if err != nil {
			return stage.Failed(err)
		}

		return d.invalidate(ctx, keys, "")
	})
}

func backupCopy(cmd commands.WriteCommand, keys []string) commands.Command {
	if pa, ok := cmd.(*commands.PutAllCommand); ok {
		return pa.Subset(keys)
	}

	return cmd.Clone()
}

// invalidate drops the L1 copies held by members that fetched keys. Failures are
// logged: a missed invalidation only shortens to the L1 lifespan.
func (d *Distribution) invalidate(ctx *invocation.Context, keys []string, skip cluster.NodeID) *stage.Stage {
	byNode := make(map[cluster.NodeID][]string)

	for _, k := range keys {
		for _, node := range d.requestors.Drain(k) {
			if node != skip && node != d.dm.LocalNode() {
				byNode[node] = append(byNode[node], k)
			}
		}
	}

	sends := make([]*stage.Stage, 0, len(byNode))

	for node, nodeKeys := range byNode {
		inv := commands.NewInvalidateL1(nodeKeys)
		inv.SetTopologyID(d.dm.TopologyID())

		sends = append(sends, d.transport.Invoke(goContext(ctx), []cluster.NodeID{node}, inv, transport.Sync).
			Exceptionally(func(err error) (any, error) {
				d.logger.Warn("l1 invalidation failed", logging.Fields{"node": string(node), "error": err.Error()})

				return nil, nil
			}))
	}

	return stage.AllOf(sends...).ThenApply(func(any) (any, error) { return nil, nil })
}

// forward sends cmd to the primary owner and adopts its result.
func (d *Distribution) forward(ctx *invocation.Context, orig commands.WriteCommand, cmd commands.Command, primary cluster.NodeID) *stage.Stage {
	fwd := cmd.Clone()
	fwd.SetTopologyID(d.dm.TopologyID())

	return d.transport.Invoke(goContext(ctx), []cluster.NodeID{primary}, fwd, transport.Sync).
		ThenApply(func(v any) (any, error) {
			resp := transport.FromStage(v)[primary]
			if resp == nil {
				orig.Fail()

				return nil, nil
			}

			if !resp.Successful {
				orig.Fail()
			}

			return resp.Value, nil
		})
}

// dropL1 makes the invocation remove a local L1 copy of key when it publishes.
func (d *Distribution) dropL1(ctx *invocation.Context, key string) {
	if e, ok := ctx.Lookup(key); ok && e.IsL1() {
		e.SetRemoved()
	}
}

// txWrite enlists the owners of the written keys. A write that needs the previous
// value of a key owned elsewhere fetches it first.
func (d *Distribution) txWrite(ctx *invocation.Context, cmd commands.WriteCommand, next Next) *stage.Stage {
	if !ctx.IsOriginLocal() {
		return next.Invoke(ctx, cmd)
	}

	keys := cmd.AffectedKeys()
	fetches := make([]*stage.Stage, 0, len(keys))

	for _, k := range keys {
		for _, owner := range d.dm.Locate(k) {
			ctx.Tx().AddParticipants(string(owner))
		}

		if needsPrevious(cmd) && d.needsRemoteRead(ctx, cmd, k) {
			fetches = append(fetches, d.remoteGet(ctx, k, false))
		}
	}

	return stage.AllOf(fetches...).Compose(func(_ any, err error) *stage.Stage {
		if err != nil {
			return stage.Failed(err)
		}

		return next.Invoke(ctx, cmd)
	})
}

// remoteParticipants returns the transaction participants other than this member.
func (d *Distribution) remoteParticipants(ctx *invocation.Context) []cluster.NodeID {
	out := make([]cluster.NodeID, 0)

	for _, p := range ctx.Tx().Participants() {
		if cluster.NodeID(p) != d.dm.LocalNode() {
			out = append(out, cluster.NodeID(p))
		}
	}

	return out
}

func (d *Distribution) VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage {
	if !d.distributed(cmd) {
		return next.Invoke(ctx, cmd)
	}

	err := d.checkTopology(ctx, cmd)
	if err != nil {
		return stage.Failed(err)
	}

	if !ctx.IsOriginLocal() {
		st := next.Invoke(ctx, cmd)
		if !cmd.OnePhase {
			return st
		}

		return st.ThenApply(func(v any) (any, error) {
			return passThrough(d.invalidateWritten(ctx, cmd), v), nil
		})
	}

	st := next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		merged := make(map[string]versioning.Version)
		if local, ok := v.(map[string]versioning.Version); ok {
			for k, ver := range local {
				merged[k] = ver
			}
		}

		targets := d.remoteParticipants(ctx)
		if len(targets) == 0 {
			return merged, nil
		}

		return d.transport.Invoke(goContext(ctx), targets, cmd, transport.Sync).
			ThenApply(func(rv any) (any, error) {
				for _, resp := range transport.FromStage(rv) {
					if resp == nil {
						continue
					}

					for k, ver := range resp.Versions {
						merged[k] = ver
					}
				}

				return merged, nil
			}), nil
	})

	if !cmd.OnePhase {
		return st
	}

	return st.ThenApply(func(v any) (any, error) {
		return passThrough(d.invalidateWritten(ctx, cmd), v), nil
	})
}

func (d *Distribution) VisitCommit(ctx *invocation.Context, cmd *commands.CommitCommand, next Next) *stage.Stage {
	return d.completeTx(ctx, cmd, next).ThenApply(func(v any) (any, error) {
		return passThrough(d.invalidateWritten(ctx, cmd), v), nil
	})
}

// invalidateWritten drops the L1 copies recorded by this member for the keys a
// transaction changed and this member owns. It runs before the shadows are
// published, while the transaction still holds the key locks.
func (d *Distribution) invalidateWritten(ctx *invocation.Context, cmd commands.Command) *stage.Stage {
	if !d.distributed(cmd) {
		return stage.Completed(nil)
	}

	keys := make([]string, 0)

	for _, e := range ctx.Entries() {
		if e.IsChanged() && d.owns(e.Key) {
			keys = append(keys, e.Key)
		}
	}

	if len(keys) == 0 {
		return stage.Completed(nil)
	}

	return d.invalidate(ctx, keys, "")
}

func (d *Distribution) VisitRollback(ctx *invocation.Context, cmd *commands.RollbackCommand, next Next) *stage.Stage {
	return d.completeTx(ctx, cmd, next)
}

func (d *Distribution) completeTx(ctx *invocation.Context, cmd commands.TxCommand, next Next) *stage.Stage {
	if !d.distributed(cmd) || !ctx.IsOriginLocal() {
		return next.Invoke(ctx, cmd)
	}

	cmd.SetTopologyID(d.dm.TopologyID())

	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		targets := d.remoteParticipants(ctx)
		if len(targets) == 0 {
			return v, nil
		}

		return d.transport.Invoke(goContext(ctx), targets, cmd, transport.Sync).
			ThenApply(func(any) (any, error) { return v, nil }), nil
	})
}

// needsPrevious reports whether a write depends on or returns the current value.
func needsPrevious(cmd commands.WriteCommand) bool {
	if cmd.Flags().Has(commands.ForceReturnValue) || cmd.IsConditional() {
		return true
	}

	switch cmd.(type) {
	case *commands.RemoveCommand, *commands.ReplaceCommand:
		return true
	}

	return false
}
