package interceptor

import (
	"time"

	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// EntryWrapping maintains the context shadows. Reads wrap read-only shadows, writes
// wrap writable shadows seeded from the container. A non-transactional invocation
// publishes its changed shadows when the chain succeeds and discards them otherwise;
// transactional shadows are published at commit, and only for locally owned keys.
type EntryWrapping struct {
	Base
	placement

	container container.Container
	clock     func() time.Time
}

// NewEntryWrapping builds the interceptor. dm may be nil on a standalone node.
func NewEntryWrapping(c container.Container, dm *distribution.Manager, clock func() time.Time) *EntryWrapping {
	if clock == nil {
		clock = time.Now
	}

	return &EntryWrapping{placement: placement{dm: dm}, container: c, clock: clock}
}

func (w *EntryWrapping) VisitGet(ctx *invocation.Context, cmd *commands.GetCommand, next Next) *stage.Stage {
	key := cmd.Key()
	w.wrapRead(ctx, key)

	st := next.Invoke(ctx, cmd)
	if ctx.IsInTx() && ctx.IsOriginLocal() {
		st = st.ThenAccept(func(any) { w.recordSeen(ctx, key) })
	}

	return w.complete(ctx, st)
}

func (w *EntryWrapping) VisitGetAll(ctx *invocation.Context, cmd *commands.GetAllCommand, next Next) *stage.Stage {
	for _, k := range cmd.Keys {
		w.wrapRead(ctx, k)
	}

	st := next.Invoke(ctx, cmd)
	if ctx.IsInTx() && ctx.IsOriginLocal() {
		st = st.ThenAccept(func(any) {
			for _, k := range cmd.Keys {
				w.recordSeen(ctx, k)
			}
		})
	}

	return w.complete(ctx, st)
}

func (w *EntryWrapping) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *EntryWrapping) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *EntryWrapping) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *EntryWrapping) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *EntryWrapping) VisitEvict(ctx *invocation.Context, cmd *commands.EvictCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *EntryWrapping) VisitClear(ctx *invocation.Context, cmd *commands.ClearCommand, next Next) *stage.Stage {
	return w.complete(ctx, next.Invoke(ctx, cmd))
}

// VisitInvalidateL1 moves the fence of every key first, so a fetch still in flight
// cannot store its copy after the invalidation.
func (w *EntryWrapping) VisitInvalidateL1(ctx *invocation.Context, cmd *commands.InvalidateL1Command, next Next) *stage.Stage {
	if w.dm != nil {
		for _, k := range cmd.Keys {
			w.dm.L1Fence().Invalidate(k)
		}
	}

	return w.complete(ctx, next.Invoke(ctx, cmd))
}

// VisitPrepare replays the modifications of a remote transaction against local
// shadows before the prepare proceeds. A one-phase prepare publishes on success.
func (w *EntryWrapping) VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage {
	var st *stage.Stage

	if ctx.IsOriginLocal() {
		st = next.Invoke(ctx, cmd)
	} else {
		st = w.replay(ctx, cmd.Modifications, 0, next).Compose(func(_ any, err error) *stage.Stage {
			if err != nil {
				return stage.Failed(err)
			}

			return next.Invoke(ctx, cmd)
		})
	}

	if !cmd.OnePhase {
		return st
	}

	return st.ThenApply(func(v any) (any, error) {
		w.publishOwned(ctx)

		return v, nil
	})
}

func (w *EntryWrapping) VisitCommit(ctx *invocation.Context, cmd *commands.CommitCommand, next Next) *stage.Stage {
	for key, v := range cmd.UpdatedVersions {
		if e, ok := ctx.Lookup(key); ok && e.IsChanged() && w.owns(key) {
			e.Metadata.Version = v
		}
	}

	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		w.publishOwned(ctx)

		return v, nil
	})
}

func (w *EntryWrapping) VisitRollback(ctx *invocation.Context, cmd *commands.RollbackCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).AndFinally(func(any, error) error {
		ctx.ClearEntries()

		return nil
	})
}

// write wraps the keys of cmd. A transactional write that reads the previous value
// records the version it read, like a Get would.
func (w *EntryWrapping) write(ctx *invocation.Context, cmd commands.WriteCommand, next Next) *stage.Stage {
	var unwritten []*invocation.Entry

	for _, k := range cmd.AffectedKeys() {
		e := w.wrapWrite(ctx, k)
		if !e.IsChanged() {
			unwritten = append(unwritten, e)
		}
	}

	st := next.Invoke(ctx, cmd)
	if ctx.IsInTx() && ctx.IsOriginLocal() && needsPrevious(cmd) {
		st = st.ThenAccept(func(any) {
			for _, e := range unwritten {
				ctx.Tx().RecordVersionSeen(e.Key, e.ReadVersion())
			}
		})
	}

	return w.complete(ctx, st)
}

func (w *EntryWrapping) wrapRead(ctx *invocation.Context, key string) {
	if _, ok := ctx.Lookup(key); ok {
		return
	}

	ie, _ := w.container.Get(key)
	ctx.PutEntry(invocation.NewEntry(key, ie, true))
}

func (w *EntryWrapping) wrapWrite(ctx *invocation.Context, key string) *invocation.Entry {
	if e, ok := ctx.Lookup(key); ok {
		e.MakeWritable()

		return e
	}

	ie, _ := w.container.Get(key)
	e := invocation.NewEntry(key, ie, false)
	ctx.PutEntry(e)

	return e
}

// recordSeen remembers the version a transaction read, unless it already wrote the key.
func (w *EntryWrapping) recordSeen(ctx *invocation.Context, key string) {
	e, ok := ctx.Lookup(key)
	if !ok || e.IsChanged() {
		return
	}

	v := versioning.Version{}
	if e.Exists() {
		v = e.Metadata.Version
	}

	ctx.Tx().RecordVersionSeen(key, v)
}

// complete ends a non-transactional invocation: publish on success, discard always.
func (w *EntryWrapping) complete(ctx *invocation.Context, st *stage.Stage) *stage.Stage {
	if ctx.IsInTx() {
		return st
	}

	return st.AndFinally(func(_ any, err error) error {
		if err == nil {
			now := w.clock()
			for _, e := range ctx.Entries() {
				w.commit(e, now)
			}
		}

		ctx.ClearEntries()

		return nil
	})
}

// commit publishes e. L1 copies go through the fence and are dropped when the key
// was invalidated after the fetch started.
func (w *EntryWrapping) commit(e *invocation.Entry, now time.Time) {
	if e.IsL1Copy() && w.dm != nil {
		w.dm.L1Fence().Publish(e.Key, e.L1Epoch(), func() { e.Commit(w.container, now) })

		return
	}

	e.Commit(w.container, now)
}

// publishOwned commits the transaction shadows of owned keys. Changes to keys owned
// elsewhere are dropped together with any L1 copy of them.
func (w *EntryWrapping) publishOwned(ctx *invocation.Context) {
	now := w.clock()

	for _, e := range ctx.Entries() {
		if !e.IsChanged() {
			continue
		}

		if w.owns(e.Key) {
			e.Commit(w.container, now)

			continue
		}

		e.Reset()

		if ie, ok := w.container.Peek(e.Key); ok && ie.Metadata.L1 {
			w.container.Remove(e.Key)
		}
	}

	ctx.ClearEntries()
}

// replay runs the owned part of each modification through the rest of the chain, in
// order.
func (w *EntryWrapping) replay(ctx *invocation.Context, mods []commands.WriteCommand, i int, next Next) *stage.Stage {
	for ; i < len(mods); i++ {
		mod := w.ownedPart(mods[i])
		if mod == nil {
			continue
		}

		for _, k := range mod.AffectedKeys() {
			w.wrapWrite(ctx, k)
		}

		rest := i + 1

		return next.Invoke(ctx, mod).Compose(func(_ any, err error) *stage.Stage {
			if err != nil {
				return stage.Failed(err)
			}

			return w.replay(ctx, mods, rest, next)
		})
	}

	return stage.Completed(nil)
}

func (w *EntryWrapping) ownedPart(mod commands.WriteCommand) commands.WriteCommand {
	keys := mod.AffectedKeys()

	owned := w.ownedKeys(keys)
	if len(owned) == 0 {
		return nil
	}

	if pa, ok := mod.(*commands.PutAllCommand); ok && len(owned) < len(keys) {
		return pa.Subset(owned)
	}

	return mod
}
