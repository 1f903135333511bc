// Package interceptor implements the invocation pipeline: an ordered chain of
// interceptors each command travels through, and the interceptors that give the
// grid its locking, MVCC, distribution, transactional and persistence semantics.
//
// Every interceptor is a Visitor with one method per command variant. Embedding
// Base forwards every variant to the next interceptor, so an interceptor only
// overrides what it cares about. Interceptors call next explicitly, which lets them
// short-circuit (return a stage without calling next) or fork (call next with a
// different command).
package interceptor

import (
	"reflect"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Visitor handles each command variant.
type Visitor interface {
	VisitGet(ctx *invocation.Context, cmd *commands.GetCommand, next Next) *stage.Stage
	VisitGetAll(ctx *invocation.Context, cmd *commands.GetAllCommand, next Next) *stage.Stage
	VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage
	VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage
	VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage
	VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage
	VisitClear(ctx *invocation.Context, cmd *commands.ClearCommand, next Next) *stage.Stage
	VisitEvict(ctx *invocation.Context, cmd *commands.EvictCommand, next Next) *stage.Stage
	VisitInvalidateL1(ctx *invocation.Context, cmd *commands.InvalidateL1Command, next Next) *stage.Stage
	VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage
	VisitCommit(ctx *invocation.Context, cmd *commands.CommitCommand, next Next) *stage.Stage
	VisitRollback(ctx *invocation.Context, cmd *commands.RollbackCommand, next Next) *stage.Stage
}

// CommandHandler is the single-method form for cross-cutting interceptors. When an
// interceptor implements it, HandleCommand receives every variant.
type CommandHandler interface {
	HandleCommand(ctx *invocation.Context, cmd commands.Command, next Next) *stage.Stage
}

// Base forwards every variant unchanged.
type Base struct{}

func (Base) VisitGet(ctx *invocation.Context, cmd *commands.GetCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitGetAll(ctx *invocation.Context, cmd *commands.GetAllCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitClear(ctx *invocation.Context, cmd *commands.ClearCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitEvict(ctx *invocation.Context, cmd *commands.EvictCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitInvalidateL1(ctx *invocation.Context, cmd *commands.InvalidateL1Command, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitCommit(ctx *invocation.Context, cmd *commands.CommitCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

func (Base) VisitRollback(ctx *invocation.Context, cmd *commands.RollbackCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd)
}

// Next is the remainder of the chain after an interceptor.
type Next struct {
	snap *snapshot
	pos  int
}

// Invoke passes cmd to the next interceptor. Past the terminal interceptor it
// resolves to nil.
func (n Next) Invoke(ctx *invocation.Context, cmd commands.Command) (st *stage.Stage) {
	if n.snap == nil {
		return stage.Completed(nil)
	}

	var v Visitor

	switch {
	case n.pos < len(n.snap.list):
		v = n.snap.list[n.pos]
	case n.pos == len(n.snap.list) && n.snap.terminal != nil:
		v = n.snap.terminal
	default:
		return stage.Completed(nil)
	}

	defer func() {
		if r := recover(); r != nil {
			st = stage.Failed(ewrap.Newf("%s panicked on %s: %v", reflect.TypeOf(v), cmd.Kind(), r))
		}
	}()

	return dispatch(v, ctx, cmd, Next{snap: n.snap, pos: n.pos + 1})
}

func dispatch(v Visitor, ctx *invocation.Context, cmd commands.Command, next Next) *stage.Stage {
	if h, ok := v.(CommandHandler); ok {
		return h.HandleCommand(ctx, cmd, next)
	}

	return Accept(v, ctx, cmd, next)
}

// Accept routes cmd to the Visitor method of its variant.
func Accept(v Visitor, ctx *invocation.Context, cmd commands.Command, next Next) *stage.Stage {
	switch c := cmd.(type) {
	case *commands.GetCommand:
		return v.VisitGet(ctx, c, next)
	case *commands.GetAllCommand:
		return v.VisitGetAll(ctx, c, next)
	case *commands.PutCommand:
		return v.VisitPut(ctx, c, next)
	case *commands.RemoveCommand:
		return v.VisitRemove(ctx, c, next)
	case *commands.ReplaceCommand:
		return v.VisitReplace(ctx, c, next)
	case *commands.PutAllCommand:
		return v.VisitPutAll(ctx, c, next)
	case *commands.ClearCommand:
		return v.VisitClear(ctx, c, next)
	case *commands.EvictCommand:
		return v.VisitEvict(ctx, c, next)
	case *commands.InvalidateL1Command:
		return v.VisitInvalidateL1(ctx, c, next)
	case *commands.PrepareCommand:
		return v.VisitPrepare(ctx, c, next)
	case *commands.CommitCommand:
		return v.VisitCommit(ctx, c, next)
	case *commands.RollbackCommand:
		return v.VisitRollback(ctx, c, next)
	}

	return stage.Failed(ewrap.Wrapf(sentinel.ErrUnknownCommand, "%T", cmd))
}
