package interceptor

import (
	"github.com/hyp3rd/ewrap"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// Versioning assigns entry versions and detects write skew.
//
// Non-transactional writes get the next version from the primary owner, which the
// backups then apply unchanged. At prepare, every modified key this member is
// primary for and that the transaction read must still carry the version it read;
// the prepare then returns the new version of each such key.
//
// Removals get a version too. The primary keeps it as a tombstone so a key that is
// written again continues from there instead of restarting from the first version.
type Versioning struct {
	Base
	placement

	container  container.Container
	gen        versioning.Generator
	tombstones *xsync.MapOf[string, versioning.Version]
}

// NewVersioning builds the interceptor.
func NewVersioning(c container.Container, dm *distribution.Manager, gen versioning.Generator) *Versioning {
	if gen == nil {
		var topology func() uint64
		if dm != nil {
			topology = dm.TopologyID
		}

		gen = versioning.NewGenerator(topology)
	}

	return &Versioning{
		placement:  placement{dm: dm},
		container:  c,
		gen:        gen,
		tombstones: xsync.NewMapOf[string, versioning.Version](),
	}
}

func (v *Versioning) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return v.write(ctx, cmd, next)
}

func (v *Versioning) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return v.write(ctx, cmd, next)
}

func (v *Versioning) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage {
	return v.write(ctx, cmd, next)
}

func (v *Versioning) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	if ctx.IsInTx() || cmd.Flags().Has(commands.BackupWrite) || !v.primary(cmd.K) {
		return next.Invoke(ctx, cmd)
	}

	nv := v.gen.Increment(v.last(cmd.K))
	cmd.SetVersion(cmd.K, nv)

	return next.Invoke(ctx, cmd).ThenApply(func(res any) (any, error) {
		if cmd.IsSuccessful() {
			v.tombstones.Store(cmd.K, nv)
		}

		return res, nil
	})
}

func (v *Versioning) write(ctx *invocation.Context, cmd commands.WriteCommand, next Next) *stage.Stage {
	if ctx.IsInTx() || cmd.Flags().Has(commands.BackupWrite) {
		return next.Invoke(ctx, cmd)
	}

	keys := v.primaryKeys(cmd.AffectedKeys())
	for _, key := range keys {
		cmd.SetVersion(key, v.gen.Increment(v.last(key)))
	}

	return next.Invoke(ctx, cmd).ThenApply(func(res any) (any, error) {
		if cmd.IsSuccessful() {
			for _, key := range keys {
				v.tombstones.Delete(key)
			}
		}

		return res, nil
	})
}

// current returns the stored version of key; L1 copies do not count.
func (v *Versioning) current(key string) versioning.Version {
	ie, ok := v.container.Peek(key)
	if !ok || ie.Metadata.L1 {
		return v.gen.NonExisting()
	}

	return ie.Metadata.Version
}

// last is the version the next write of key increments: the stored one, or the
// version of its removal when the key is absent.
func (v *Versioning) last(key string) versioning.Version {
	cur := v.current(key)
	if !cur.IsZero() {
		return cur
	}

	if t, ok := v.tombstones.Load(key); ok {
		return t
	}

	return cur
}

func (v *Versioning) VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage {
	keys := v.primaryKeys(cmd.AffectedKeys())

	for _, key := range keys {
		seen, ok := cmd.VersionsSeen[key]
		if !ok {
			continue
		}

		cur := v.current(key)
		if cur.Compare(seen) != versioning.Equal {
			return stage.Failed(ewrap.Wrapf(sentinel.ErrWriteSkew, "key %q read at version %s, now %s", key, seen, cur))
		}
	}

	updated := make(map[string]versioning.Version, len(keys))

	for _, key := range keys {
		e, ok := ctx.Lookup(key)
		if !ok || !e.IsChanged() {
			continue
		}

		nv := v.gen.Increment(v.last(key))
		e.Metadata.Version = nv
		updated[key] = nv
	}

	return next.Invoke(ctx, cmd).ThenApply(func(any) (any, error) {
		for key, nv := range updated {
			if e, ok := ctx.Lookup(key); ok && e.IsRemoved() {
				v.tombstones.Store(key, nv)
			}
		}

		return updated, nil
	})
}
