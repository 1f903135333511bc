package invocation

import (
	"maps"
	"slices"
	"sync"

	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

// TxState is the lifecycle state of a transaction.
type TxState int

// Transaction states.
const (
	TxActive TxState = iota
	TxPreparing
	TxPrepared
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxPreparing:
		return "preparing"
	case TxPrepared:
		return "prepared"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolledback"
	}

	return "unknown"
}

// Transaction is the per-node state of a transaction: the modification list, the
// versions seen when keys were read, the participants to contact at completion and
// the shadows of every key it touched.
type Transaction struct {
	gtx   commands.GlobalTransaction
	scope *scope

	mu           sync.Mutex
	mods         []commands.WriteCommand
	versionsSeen map[string]versioning.Version
	participants map[string]struct{}
	state        TxState
	rollbackOnly bool
	remote       bool
}

// NewTransaction creates a transaction originating on this node.
func NewTransaction(gtx commands.GlobalTransaction) *Transaction {
	return &Transaction{
		gtx:          gtx,
		scope:        newScope(),
		versionsSeen: make(map[string]versioning.Version),
		participants: make(map[string]struct{}),
	}
}

// NewRemoteTransaction creates the state of a transaction that originated elsewhere.
func NewRemoteTransaction(gtx commands.GlobalTransaction) *Transaction {
	tx := NewTransaction(gtx)
	tx.remote = true

	return tx
}

// GlobalTx returns the cluster-wide id.
func (t *Transaction) GlobalTx() commands.GlobalTransaction { return t.gtx }

// IsRemote reports whether the transaction originated on another node.
func (t *Transaction) IsRemote() bool { return t.remote }

// AddModification appends a successful write.
func (t *Transaction) AddModification(cmd commands.WriteCommand) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mods = append(t.mods, cmd)
}

// Modifications returns a copy of the modification list.
func (t *Transaction) Modifications() []commands.WriteCommand {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.mods)
}

// HasModifications reports whether the transaction wrote anything.
func (t *Transaction) HasModifications() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.mods) > 0
}

// RecordVersionSeen remembers the version of key at its first read.
func (t *Transaction) RecordVersionSeen(key string, v versioning.Version) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.versionsSeen[key]; !ok {
		t.versionsSeen[key] = v
	}
}

// VersionsSeen returns a copy of the recorded versions.
func (t *Transaction) VersionsSeen() map[string]versioning.Version {
	t.mu.Lock()
	defer t.mu.Unlock()

	return maps.Clone(t.versionsSeen)
}

// AddParticipants records nodes that must take part in completion.
func (t *Transaction) AddParticipants(nodes ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, n := range nodes {
		t.participants[n] = struct{}{}
	}
}

// Participants returns the sorted participant set.
func (t *Transaction) Participants() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := slices.Collect(maps.Keys(t.participants))
	slices.Sort(out)

	return out
}

// State returns the lifecycle state.
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// SetState moves the transaction to s.
func (t *Transaction) SetState(s TxState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = s
}

// MarkRollbackOnly forbids committing.
func (t *Transaction) MarkRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollbackOnly = true
}

// IsRollbackOnly reports whether only a rollback is allowed.
func (t *Transaction) IsRollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rollbackOnly
}

// IsDone reports whether the transaction completed.
func (t *Transaction) IsDone() bool {
	s := t.State()

	return s == TxCommitted || s == TxRolledBack
}
