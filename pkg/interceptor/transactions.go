package interceptor

import (
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// TxForgetter drops the state of a completed remote transaction.
type TxForgetter interface {
	Remove(gtx commands.GlobalTransaction)
}

// Transactions tracks the lifecycle of transactions: it records successful writes of
// local transactions as modifications, moves the state through prepare, commit and
// rollback, and forgets remote transactions once they completed.
type Transactions struct {
	Base

	table  TxForgetter
	logger logging.Logger
}

// NewTransactions builds the interceptor. table may be nil.
func NewTransactions(table TxForgetter, logger logging.Logger) *Transactions {
	return &Transactions{table: table, logger: logging.OrNop(logger)}
}

func (t *Transactions) active(ctx *invocation.Context) error {
	if ctx.IsInTx() && ctx.Tx().IsDone() {
		return ewrap.Wrapf(sentinel.ErrInvalidTransactionState, "%s is %s", ctx.Tx().GlobalTx(), ctx.Tx().State())
	}

	return nil
}

func (t *Transactions) VisitGet(ctx *invocation.Context, cmd *commands.GetCommand, next Next) *stage.Stage {
	err := t.active(ctx)
	if err != nil {
		return stage.Failed(err)
	}

	return next.Invoke(ctx, cmd)
}

func (t *Transactions) VisitGetAll(ctx *invocation.Context, cmd *commands.GetAllCommand, next Next) *stage.Stage {
	err := t.active(ctx)
	if err != nil {
		return stage.Failed(err)
	}

	return next.Invoke(ctx, cmd)
}

func (t *Transactions) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return t.write(ctx, cmd, next)
}

func (t *Transactions) VisitRemove(ctx *invocation.Context, cmd *commands.RemoveCommand, next Next) *stage.Stage {
	return t.write(ctx, cmd, next)
}

func (t *Transactions) VisitReplace(ctx *invocation.Context, cmd *commands.ReplaceCommand, next Next) *stage.Stage {
	return t.write(ctx, cmd, next)
}

func (t *Transactions) VisitPutAll(ctx *invocation.Context, cmd *commands.PutAllCommand, next Next) *stage.Stage {
	return t.write(ctx, cmd, next)
}

func (t *Transactions) write(ctx *invocation.Context, cmd commands.WriteCommand, next Next) *stage.Stage {
	if !ctx.IsInTx() {
		return next.Invoke(ctx, cmd)
	}

	err := t.active(ctx)
	if err != nil {
		return stage.Failed(err)
	}

	if ctx.Tx().State() != invocation.TxActive {
		return stage.Failed(ewrap.Wrapf(sentinel.ErrInvalidTransactionState, "%s is %s", ctx.Tx().GlobalTx(), ctx.Tx().State()))
	}

	st := next.Invoke(ctx, cmd)
	if !ctx.IsOriginLocal() {
		return st
	}

	return st.ThenAccept(func(any) {
		if cmd.IsSuccessful() {
			ctx.Tx().AddModification(cmd)
		}
	})
}

func (t *Transactions) VisitPrepare(ctx *invocation.Context, cmd *commands.PrepareCommand, next Next) *stage.Stage {
	tx := ctx.Tx()
	if tx == nil {
		return stage.Failed(ewrap.Wrapf(sentinel.ErrInvalidTransactionState, "prepare of %s outside a transaction", cmd.Tx))
	}

	if tx.IsRollbackOnly() {
		return stage.Failed(ewrap.Wrapf(sentinel.ErrRollbackOnly, "%s", cmd.Tx))
	}

	if tx.IsDone() {
		return stage.Failed(ewrap.Wrapf(sentinel.ErrInvalidTransactionState, "%s is %s", cmd.Tx, tx.State()))
	}

	tx.SetState(invocation.TxPreparing)

	return next.Invoke(ctx, cmd).Handle(func(v any, err error) (any, error) {
		if err != nil {
			tx.MarkRollbackOnly()
			t.logger.Debug("prepare failed", logging.Fields{"tx": cmd.Tx.String(), "error": err.Error()})

			return nil, nil
		}

		if cmd.OnePhase {
			tx.SetState(invocation.TxCommitted)
			t.forget(ctx, cmd.Tx)

			return v, nil
		}

		tx.SetState(invocation.TxPrepared)

		return v, nil
	})
}

func (t *Transactions) VisitCommit(ctx *invocation.Context, cmd *commands.CommitCommand, next Next) *stage.Stage {
	tx := ctx.Tx()
	if tx == nil {
		return stage.Failed(ewrap.Wrapf(sentinel.ErrInvalidTransactionState, "commit of %s outside a transaction", cmd.Tx))
	}

	if tx.IsRollbackOnly() {
		return stage.Failed(ewrap.Wrapf(sentinel.ErrRollbackOnly, "%s", cmd.Tx))
	}

	return next.Invoke(ctx, cmd).ThenAccept(func(any) {
		tx.SetState(invocation.TxCommitted)
		t.forget(ctx, cmd.Tx)
	})
}

func (t *Transactions) VisitRollback(ctx *invocation.Context, cmd *commands.RollbackCommand, next Next) *stage.Stage {
	tx := ctx.Tx()
	if tx == nil {
		return stage.Failed(ewrap.Wrapf(sentinel.ErrInvalidTransactionState, "rollback of %s outside a transaction", cmd.Tx))
	}

	return next.Invoke(ctx, cmd).AndFinally(func(any, error) error {
		tx.MarkRollbackOnly()
		tx.SetState(invocation.TxRolledBack)
		t.forget(ctx, cmd.Tx)

		return nil
	})
}

func (t *Transactions) forget(ctx *invocation.Context, gtx commands.GlobalTransaction) {
	if t.table != nil && ctx.Tx().IsRemote() {
		t.table.Remove(gtx)
	}
}
