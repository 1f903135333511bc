package tx

import (
	"context"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// Invoker runs a command through the node's interceptor chain.
type Invoker interface {
	Invoke(ctx *invocation.Context, cmd commands.Command) (any, error)
}

// Coordinator completes transactions begun on this node.
type Coordinator struct {
	chain  Invoker
	table  *Table
	logger logging.Logger
}

// NewCoordinator builds a coordinator. table may be nil when local transactions
// are not tracked.
func NewCoordinator(chain Invoker, table *Table, logger logging.Logger) *Coordinator {
	return &Coordinator{chain: chain, table: table, logger: logging.OrNop(logger)}
}

func (c *Coordinator) forget(tx *invocation.Transaction) {
	if c.table != nil {
		c.table.Forget(tx.GlobalTx())
	}
}

// Commit runs the completion protocol. A transaction with at most one participant
// commits in a single prepare; otherwise every participant prepares and, when all
// succeeded, commits with the versions assigned during prepare. Any prepare failure
// rolls the transaction back and is returned unchanged so callers can classify it.
func (c *Coordinator) Commit(ctx context.Context, tx *invocation.Transaction) error {
	if tx.IsDone() {
		return ewrap.Wrapf(sentinel.ErrInvalidTransactionState, "%s is %s", tx.GlobalTx(), tx.State())
	}

	if tx.IsRollbackOnly() {
		err := c.Rollback(ctx, tx)
		if err != nil {
			c.logger.Warn("rollback failed", logging.Fields{"tx": tx.GlobalTx().String(), "error": err.Error()})
		}

		return ewrap.Wrapf(sentinel.ErrRollbackOnly, "%s", tx.GlobalTx())
	}

	if !tx.HasModifications() {
		tx.SetState(invocation.TxCommitted)
		c.forget(tx)

		return nil
	}

	prepare := &commands.PrepareCommand{
		Tx:            tx.GlobalTx(),
		Modifications: tx.Modifications(),
		VersionsSeen:  tx.VersionsSeen(),
		OnePhase:      len(tx.Participants()) <= 1,
	}

	v, err := c.chain.Invoke(invocation.NewTx(ctx, tx), prepare)
	if err != nil {
		c.logger.Debug("prepare failed", logging.Fields{"tx": prepare.Tx.String(), "error": err.Error()})

		rbErr := c.Rollback(ctx, tx)
		if rbErr != nil {
			c.logger.Warn("rollback after failed prepare", logging.Fields{"tx": prepare.Tx.String(), "error": rbErr.Error()})
		}

		return err
	}

	if prepare.OnePhase {
		c.forget(tx)

		return nil
	}

	versions, _ := v.(map[string]versioning.Version)

	_, err = c.chain.Invoke(invocation.NewTx(ctx, tx), &commands.CommitCommand{Tx: prepare.Tx, UpdatedVersions: versions})
	c.forget(tx)

	if err != nil {
		return ewrap.Wrapf(err, "commit %s", prepare.Tx)
	}

	return nil
}

// Rollback discards the transaction on every participant. Rolling back a rolled
// back transaction is a no-op; rolling back a committed one fails.
func (c *Coordinator) Rollback(ctx context.Context, tx *invocation.Transaction) error {
	switch tx.State() {
	case invocation.TxRolledBack:
		return nil
	case invocation.TxCommitted:
		return ewrap.Wrapf(sentinel.ErrInvalidTransactionState, "%s is %s", tx.GlobalTx(), tx.State())
	default:
	}

	_, err := c.chain.Invoke(invocation.NewTx(ctx, tx), &commands.RollbackCommand{Tx: tx.GlobalTx()})
	c.forget(tx)

	return err
}
