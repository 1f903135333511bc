package interceptor

import (
	"slices"
	"time"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/lock"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Locking acquires per-key locks for writes.
//
// Non-transactional writes lock their keys (sorted, primary-owned only when
// clustered) under the invocation context and release them in reverse order once
// the rest of the chain resolved. Transactional writes lock nothing until prepare,
// which locks the modified primary-owned keys under the global transaction; they are
// released by commit, rollback, a failed prepare or a one-phase prepare.
type Locking struct {
	Base
	placement

	locks   lock.Locker
	timeout time.Duration
	logger  logging.Logger
}

// NewLocking builds the interceptor. dm may be nil on a standalone node.
func NewLocking(locks lock.Locker, dm *distribution.Manager, timeout time.Duration, logger logging.Logger) *Locking {
	return &Locking{placement: placement{dm: dm}, locks: locks, timeout: timeout, logger: logging.OrNop(logger)}
}

func (l *Locking) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return l.write(ctx, cmd, next)
}

func (l *Locking) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	return l.write(ctx, cmd, next)
}

func (l *Locking) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return l.write(ctx, cmd, next)
}

func (l *Locking) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage {
	return l.write(ctx, cmd, next)
}

func (l *Locking) VisitEvict(ctx *invocation.Context, cmd *commands.EvictCommand, next Next) *stage.Stage {
	return l.write(ctx, cmd, next)
}

func (l *Locking) VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage {
	keys := l.primaryKeys(cmd.AffectedKeys())

	return l.acquire(ctx, keys, l.timeoutFor(cmd)).
		Compose(func(_ any, err error) *stage.Stage {
			if err != nil {
				return stage.Failed(err)
			}

			return next.Invoke(ctx, cmd)
		}).
		AndFinally(func(_ any, err error) error {
			if err != nil || cmd.OnePhase {
				l.release(ctx)
			}

			return nil
		})
}

func (l *Locking) VisitCommit(ctx *invocation.Context, cmd *commands.CommitCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).AndFinally(func(any, error) error {
		l.release(ctx)

		return nil
	})
}

func (l *Locking) VisitRollback(ctx *invocation.Context, cmd *commands.RollbackCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).AndFinally(func(any, error) error {
		l.release(ctx)

		return nil
	})
}

func (l *Locking) write(ctx *invocation.Context, cmd commands.WriteCommand, next Next) *stage.Stage {
	if ctx.IsInTx() || cmd.Flags().Has(commands.SkipLocking) {
		return next.Invoke(ctx, cmd)
	}

	keys := cmd.AffectedKeys()
	if !cmd.Flags().Has(commands.CacheModeLocal) {
		keys = l.primaryKeys(keys)
	}

	return l.acquire(ctx, keys, l.timeoutFor(cmd)).
		Compose(func(_ any, err error) *stage.Stage {
			if err != nil {
				return stage.Failed(err)
			}

			return next.Invoke(ctx, cmd)
		}).
		AndFinally(func(any, error) error {
			l.release(ctx)

			return nil
		})
}

func (l *Locking) timeoutFor(cmd commands.Command) time.Duration {
	if cmd.Flags().Has(commands.ZeroLockTimeout) {
		return 0
	}

	return l.timeout
}

// acquire locks keys one after the other in sorted order so that two commands
// sharing keys cannot deadlock. Each acquired key is recorded on the context, which
// makes a partial acquisition releasable.
func (l *Locking) acquire(ctx *invocation.Context, keys []string, timeout time.Duration) *stage.Stage {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	return l.acquireFrom(ctx, sorted, 0, timeout)
}

func (l *Locking) acquireFrom(ctx *invocation.Context, keys []string, i int, timeout time.Duration) *stage.Stage {
	for ; i < len(keys); i++ {
		key := keys[i]
		if ctx.HasLock(key) {
			continue
		}

		st := l.locks.Lock(key, ctx.LockOwner(), timeout)
		if st.IsDone() {
			_, err := st.Get(goContext(ctx))
			if err != nil {
				l.logger.Debug("lock not acquired", logging.Fields{"key": key, "error": err.Error()})

				return stage.Failed(err)
			}

			ctx.AddLockedKey(key)

			continue
		}

		next := i + 1

		return st.Compose(func(_ any, err error) *stage.Stage {
			if err != nil {
				l.logger.Debug("lock not acquired", logging.Fields{"key": key, "error": err.Error()})

				return stage.Failed(err)
			}

			ctx.AddLockedKey(key)

			return l.acquireFrom(ctx, keys, next, timeout)
		})
	}

	return stage.Completed(nil)
}

// release unlocks every key the context holds, most recent first.
func (l *Locking) release(ctx *invocation.Context) {
	keys := ctx.TakeLockedKeys()
	owner := ctx.LockOwner()

	for i := len(keys) - 1; i >= 0; i-- {
		l.locks.Unlock(keys[i], owner)
	}
}
