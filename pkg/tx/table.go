// Package tx keeps the per-node transaction table and drives the completion
// protocol of transactions started on this node: a single prepare when only one
// member takes part, prepare followed by commit otherwise.
package tx

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
)

// Table indexes the transactions a node knows about. Local transactions are the
// ones begun here; remote ones are created on first contact from their origin and
// dropped once they completed.
type Table struct {
	origin string
	seq    atomic.Uint64
	local  *xsync.MapOf[string, *invocation.Transaction]
	remote *xsync.MapOf[string, *invocation.Transaction]
}

// NewTable builds a table whose transaction ids carry origin.
func NewTable(origin string) *Table {
	return &Table{
		origin: origin,
		local:  xsync.NewMapOf[string, *invocation.Transaction](),
		remote: xsync.NewMapOf[string, *invocation.Transaction](),
	}
}

// Begin starts a local transaction with a fresh id.
func (t *Table) Begin() *invocation.Transaction {
	gtx := commands.GlobalTransaction{ID: t.seq.Add(1), Origin: t.origin}
	tx := invocation.NewTransaction(gtx)

	t.local.Store(gtx.String(), tx)

	return tx
}

// Local returns a transaction begun on this node.
func (t *Table) Local(gtx commands.GlobalTransaction) (*invocation.Transaction, bool) {
	return t.local.Load(gtx.String())
}

// Remote returns the state of a transaction begun elsewhere, creating it on first use.
func (t *Table) Remote(gtx commands.GlobalTransaction) *invocation.Transaction {
	tx, _ := t.remote.LoadOrCompute(gtx.String(), func() *invocation.Transaction {
		return invocation.NewRemoteTransaction(gtx)
	})

	return tx
}

// Remove drops a completed remote transaction.
func (t *Table) Remove(gtx commands.GlobalTransaction) {
	t.remote.Delete(gtx.String())
}

// Forget drops a completed local transaction.
func (t *Table) Forget(gtx commands.GlobalTransaction) {
	t.local.Delete(gtx.String())
}

// LocalCount returns the number of open local transactions.
func (t *Table) LocalCount() int { return t.local.Size() }

// RemoteCount returns the number of remote transactions not yet completed.
func (t *Table) RemoteCount() int { return t.remote.Size() }
