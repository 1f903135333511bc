package interceptor

import (
	"time"

	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/lock"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Loader reads through to the external stores when a key an owner needs is missing
// from memory. Reads insert the loaded value into the container; with passivation
// the value is activated instead: inserted and deleted from the store under the key
// lock, so a key never sits in both places.
type Loader struct {
	Base
	placement

	persistence *persistence.Manager
	container   container.Container
	locks       lock.Locker
	lockTimeout time.Duration
	passivation bool
	metrics     *Metrics
}

// LoaderConfig carries the collaborators of Loader.
type LoaderConfig struct {
	Persistence  *persistence.Manager
	Container    container.Container
	Distribution *distribution.Manager
	Locks        lock.Locker
	LockTimeout  time.Duration
	Passivation  bool
	Metrics      *Metrics
}

// NewLoader builds the interceptor.
func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.Persistence == nil {
		cfg.Persistence = persistence.NewManager()
	}

	return &Loader{
		placement:   placement{dm: cfg.Distribution},
		persistence: cfg.Persistence,
		container:   cfg.Container,
		locks:       cfg.Locks,
		lockTimeout: cfg.LockTimeout,
		passivation: cfg.Passivation,
		metrics:     orNewMetrics(cfg.Metrics),
	}
}

func (l *Loader) VisitGet(ctx *invocation.Context, cmd *commands.GetCommand, next Next) *stage.Stage {
	return l.then(l.loadRead(ctx, cmd, cmd.Key()), ctx, cmd, next)
}

func (l *Loader) VisitGetAll(ctx *invocation.Context, cmd *commands.GetAllCommand, next Next) *stage.Stage {
	loads := make([]*stage.Stage, 0, len(cmd.Keys))
	for _, k := range cmd.Keys {
		loads = append(loads, l.loadRead(ctx, cmd, k))
	}

	return l.then(stage.AllOf(loads...), ctx, cmd, next)
}

func (l *Loader) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return l.then(l.loadWrite(ctx, cmd), ctx, cmd, next)
}

func (l *Loader) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	return l.then(l.loadWrite(ctx, cmd), ctx, cmd, next)
}

func (l *Loader) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return l.then(l.loadWrite(ctx, cmd), ctx, cmd, next)
}

func (*Loader) then(load *stage.Stage, ctx *invocation.Context, cmd commands.Command, next Next) *stage.Stage {
	return load.Compose(func(_ any, err error) *stage.Stage {
		if err != nil {
			return stage.Failed(err)
		}

		return next.Invoke(ctx, cmd)
	})
}

func (l *Loader) needsLoad(ctx *invocation.Context, cmd commands.Command, key string) (*invocation.Entry, bool) {
	if !l.persistence.Enabled() || cmd.Flags().Has(commands.SkipLoad) || !l.owns(key) {
		return nil, false
	}

	e, ok := ctx.Lookup(key)
	if !ok {
		e = shadow(ctx, key)
	}

	if e.Exists() || e.IsLoaded() || e.IsChanged() {
		return nil, false
	}

	return e, true
}

func (l *Loader) loadWrite(ctx *invocation.Context, cmd commands.WriteCommand) *stage.Stage {
	if !needsPrevious(cmd) {
		return stage.Completed(nil)
	}

	key := cmd.AffectedKeys()[0]

	e, ok := l.needsLoad(ctx, cmd, key)
	if !ok {
		return stage.Completed(nil)
	}

	return l.load(ctx, key).ThenApply(func(v any) (any, error) {
		if ie, _ := v.(*entry.InternalEntry); ie != nil {
			e.SetLoaded(ie)
		}

		return nil, nil
	})
}

func (l *Loader) loadRead(ctx *invocation.Context, cmd commands.Command, key string) *stage.Stage {
	e, ok := l.needsLoad(ctx, cmd, key)
	if !ok {
		return stage.Completed(nil)
	}

	if !l.passivation {
		return l.load(ctx, key).ThenApply(func(v any) (any, error) {
			if ie, _ := v.(*entry.InternalEntry); ie != nil {
				l.container.PutIfAbsent(ie.Clone())
				e.SetLoaded(ie)
			}

			return nil, nil
		})
	}

	return l.activate(ctx, e)
}

// activate moves a passivated entry back into memory under the key lock.
func (l *Loader) activate(ctx *invocation.Context, e *invocation.Entry) *stage.Stage {
	key := e.Key
	owner := ctx.LockOwner()
	held := ctx.HasLock(key)

	locked := stage.Completed(nil)
	if !held && l.locks != nil {
		locked = l.locks.Lock(key, owner, l.lockTimeout)
	}

	return locked.Compose(func(_ any, err error) *stage.Stage {
		if err != nil {
			return stage.Failed(err)
		}

		return l.load(ctx, key).
			ThenApply(func(v any) (any, error) {
				ie, _ := v.(*entry.InternalEntry)
				if ie == nil {
					return nil, nil
				}

				if !l.container.PutIfAbsent(ie.Clone()) {
					// a concurrent write already made the key resident
					if cur, ok := l.container.Peek(key); ok {
						ie = cur
					}
				}

				e.SetLoaded(ie)
				l.metrics.Activations.Inc()

				return l.persistence.Delete(goContext(ctx), key, l.storeMode(key)), nil
			}).
			AndFinally(func(any, error) error {
				if !held && l.locks != nil {
					l.locks.Unlock(key, owner)
				}

				return nil
			})
	})
}

func (l *Loader) load(ctx *invocation.Context, key string) *stage.Stage {
	return l.persistence.Load(goContext(ctx), key, persistence.All).ThenApply(func(v any) (any, error) {
		ie, _ := v.(*entry.InternalEntry)
		if ie == nil {
			l.metrics.LoadMisses.Inc()

			return nil, nil
		}

		l.metrics.Loads.Inc()

		return ie, nil
	})
}
