package interceptor

import (
	"time"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Writer writes through to the external stores: after a successful
// non-transactional write, and at commit or one-phase prepare for transactions.
// Each affected key is written or deleted exactly once; shared stores only by the
// primary owner.
type Writer struct {
	Base
	placement

	persistence *persistence.Manager
	metrics     *Metrics
	clock       func() time.Time
	logger      logging.Logger
}

// NewWriter builds the interceptor.
func NewWriter(pm *persistence.Manager, dm *distribution.Manager, m *Metrics, logger logging.Logger) *Writer {
	if pm == nil {
		pm = persistence.NewManager()
	}

	return &Writer{
		placement:   placement{dm: dm},
		persistence: pm,
		metrics:     orNewMetrics(m),
		clock:       time.Now,
		logger:      logging.OrNop(logger),
	}
}

func (w *Writer) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *Writer) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *Writer) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *Writer) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage {
	return w.write(ctx, cmd, next)
}

func (w *Writer) VisitClear(ctx *invocation.Context, cmd *commands.ClearCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		if cmd.Flags().Has(commands.SkipStore) {
			return v, nil
		}

		return passThrough(w.persistence.Clear(goContext(ctx), clearMode(ctx)), v), nil
	})
}

func (w *Writer) VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage {
	if !cmd.OnePhase {
		return next.Invoke(ctx, cmd)
	}

	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		return passThrough(w.persist(ctx, entryKeys(ctx)), v), nil
	})
}

func (w *Writer) VisitCommit(ctx *invocation.Context, cmd *commands.CommitCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		return passThrough(w.persist(ctx, entryKeys(ctx)), v), nil
	})
}

func (w *Writer) write(ctx *invocation.Context, cmd commands.WriteCommand, next Next) *stage.Stage {
	if ctx.IsInTx() || cmd.Flags().Has(commands.SkipStore) {
		return next.Invoke(ctx, cmd)
	}

	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		if !cmd.IsSuccessful() {
			return v, nil
		}

		return passThrough(w.persist(ctx, cmd.AffectedKeys()), v).Exceptionally(func(err error) (any, error) {
			cmd.Fail()

			return nil, err
		}), nil
	})
}

// persist writes or deletes the changed, owned shadows of keys.
func (w *Writer) persist(ctx *invocation.Context, keys []string) *stage.Stage {
	if !w.persistence.Enabled() {
		return stage.Completed(nil)
	}

	now := w.clock()
	ops := make([]*stage.Stage, 0, len(keys))

	for _, key := range keys {
		e, ok := ctx.Lookup(key)
		if !ok || !e.IsChanged() || e.IsEvicted() || !w.owns(key) {
			continue
		}

		mode := w.storeMode(key)

		if e.IsRemoved() {
			ops = append(ops, w.persistence.Delete(goContext(ctx), key, mode).ThenAccept(func(any) {
				w.metrics.StoreDeletes.Inc()
			}))

			continue
		}

		ie := e.Snapshot(now)
		if ie.Metadata.Lifespan > 0 {
			ie.Created = now
		}

		ops = append(ops, w.persistence.Write(goContext(ctx), ie, mode).ThenAccept(func(any) {
			w.metrics.StoreWrites.Inc()
		}))
	}

	return stage.AllOf(ops...).Exceptionally(func(err error) (any, error) {
		w.logger.Error("write-through failed", logging.Fields{"error": err.Error()})

		return nil, err
	})
}

// clearMode clears every store from the member that issued the clear and only
// private stores on the members it was broadcast to.
func clearMode(ctx *invocation.Context) persistence.Mode {
	if ctx.IsOriginLocal() {
		return persistence.All
	}

	return persistence.PrivateOnly
}

func entryKeys(ctx *invocation.Context) []string {
	entries := ctx.Entries()

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}

	return keys
}

// passThrough resolves to v once st succeeded.
func passThrough(st *stage.Stage, v any) *stage.Stage {
	return st.ThenApply(func(any) (any, error) { return v, nil })
}
