package interceptor

import (
	"time"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Passivation takes the place of Writer when entries live either in memory or in
// the store. An eviction writes the entry to the store before it leaves memory;
// any successful write deletes the store copy, which the new value supersedes.
type Passivation struct {
	Base
	placement

	persistence *persistence.Manager
	container   container.Container
	metrics     *Metrics
	clock       func() time.Time
	logger      logging.Logger
}

// NewPassivation builds the interceptor.
func NewPassivation(pm *persistence.Manager, c container.Container, dm *distribution.Manager, m *Metrics, logger logging.Logger) *Passivation {
	if pm == nil {
		pm = persistence.NewManager()
	}

	return &Passivation{
		placement:   placement{dm: dm},
		persistence: pm,
		container:   c,
		metrics:     orNewMetrics(m),
		clock:       time.Now,
		logger:      logging.OrNop(logger),
	}
}

func (p *Passivation) VisitEvict(ctx *invocation.Context, cmd *commands.EvictCommand, next Next) *stage.Stage {
	key := cmd.Key()

	ie, ok := p.container.Peek(key)
	if !ok || ie.Metadata.L1 || ie.Expired(p.clock()) || !p.owns(key) || !p.persistence.Enabled() {
		return next.Invoke(ctx, cmd)
	}

	return p.persistence.Write(goContext(ctx), ie.Clone(), p.storeMode(key)).Compose(func(_ any, err error) *stage.Stage {
		if err != nil {
			p.logger.Warn("passivation failed, entry kept in memory", logging.Fields{"key": key, "error": err.Error()})
			cmd.Fail()

			return stage.Failed(err)
		}

		p.metrics.Passivations.Inc()

		return next.Invoke(ctx, cmd)
	})
}

func (p *Passivation) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return p.write(ctx, cmd, next)
}

func (p *Passivation) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	return p.write(ctx, cmd, next)
}

func (p *Passivation) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return p.write(ctx, cmd, next)
}

func (p *Passivation) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage {
	return p.write(ctx, cmd, next)
}

func (p *Passivation) VisitClear(ctx *invocation.Context, cmd *commands.ClearCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		return passThrough(p.persistence.Clear(goContext(ctx), clearMode(ctx)), v), nil
	})
}

func (p *Passivation) VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage {
	if !cmd.OnePhase {
		return next.Invoke(ctx, cmd)
	}

	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		return passThrough(p.purge(ctx, entryKeys(ctx)), v), nil
	})
}

func (p *Passivation) VisitCommit(ctx *invocation.Context, cmd *commands.CommitCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		return passThrough(p.purge(ctx, entryKeys(ctx)), v), nil
	})
}

func (p *Passivation) write(ctx *invocation.Context, cmd commands.WriteCommand, next Next) *stage.Stage {
	if ctx.IsInTx() || cmd.Flags().Has(commands.SkipStore) {
		return next.Invoke(ctx, cmd)
	}

	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		if !cmd.IsSuccessful() {
			return v, nil
		}

		return passThrough(p.purge(ctx, cmd.AffectedKeys()), v), nil
	})
}

// purge deletes the store copies of the changed, owned shadows of keys.
func (p *Passivation) purge(ctx *invocation.Context, keys []string) *stage.Stage {
	if !p.persistence.Enabled() {
		return stage.Completed(nil)
	}

	ops := make([]*stage.Stage, 0, len(keys))

	for _, key := range keys {
		e, ok := ctx.Lookup(key)
		if !ok || !e.IsChanged() || e.IsEvicted() || !p.owns(key) {
			continue
		}

		ops = append(ops, p.persistence.Delete(goContext(ctx), key, p.storeMode(key)))
	}

	return stage.AllOf(ops...)
}
