package grid

import (
	"context"

	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
)

// Tx is a transaction begun on a node. Writes stay in the transaction until Commit;
// reads see the transaction's own writes. A Tx is not safe for concurrent use.
type Tx struct {
	node *Node
	tx   *invocation.Transaction
}

// Begin starts a transaction.
func (n *Node) Begin() *Tx {
	return &Tx{node: n, tx: n.table.Begin()}
}

// ID returns the cluster-wide id of the transaction.
func (t *Tx) ID() commands.GlobalTransaction { return t.tx.GlobalTx() }

// State returns the lifecycle state.
func (t *Tx) State() invocation.TxState { return t.tx.State() }

func (t *Tx) invoke(ctx context.Context, cmd commands.Command) (any, error) {
	return t.node.chain.Invoke(invocation.NewTx(ctx, t.tx), cmd)
}

// Get returns the value of key as seen by the transaction.
func (t *Tx) Get(ctx context.Context, key string) (any, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	return t.invoke(ctx, commands.NewGet(key))
}

// Put stores value under key when the transaction commits.
func (t *Tx) Put(ctx context.Context, key string, value any, flags ...commands.Flags) (any, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	return t.invoke(ctx, commands.NewPut(key, value, entry.Metadata{}, flags...))
}

// Remove deletes key when the transaction commits.
func (t *Tx) Remove(ctx context.Context, key string) (any, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	return t.invoke(ctx, commands.NewRemove(key))
}

// Replace overwrites key, if present, when the transaction commits.
func (t *Tx) Replace(ctx context.Context, key string, value any) (any, error) {
	err := validKey(key)
	if err != nil {
		return nil, err
	}

	return t.invoke(ctx, commands.NewReplace(key, value, entry.Metadata{}))
}

// PutAll stores every entry when the transaction commits.
func (t *Tx) PutAll(ctx context.Context, entries map[string]any) error {
	for k := range entries {
		err := validKey(k)
		if err != nil {
			return err
		}
	}

	_, err := t.invoke(ctx, commands.NewPutAll(entries, entry.Metadata{}))

	return err
}

// Commit completes the transaction. A write-skew failure means another transaction
// changed a key this one read; the transaction is rolled back and must not be retried
// as is.
func (t *Tx) Commit(ctx context.Context) error {
	return t.node.coordinator.Commit(ctx, t.tx)
}

// Rollback discards the transaction.
func (t *Tx) Rollback(ctx context.Context) error {
	return t.node.coordinator.Rollback(ctx, t.tx)
}
