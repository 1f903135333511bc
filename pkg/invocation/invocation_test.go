package invocation

import (
	"context"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

func TestEntry_OnlyChangedShadowsPublish(t *testing.T) {
	c, _ := container.New()
	now := time.Now()

	read := NewEntry("a", nil, true)
	assert.False(t, read.Commit(c, now))
	assert.Equal(t, 0, c.Size())

	write := NewEntry("a", nil, false)
	assert.True(t, write.IsCreated())

	write.SetValue(1)
	assert.True(t, write.Commit(c, now))

	got, ok := c.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, 1, got.Value)

	// committing twice publishes nothing new
	assert.False(t, write.Commit(c, now))
}

func TestEntry_RemoveAndEvict(t *testing.T) {
	c, _ := container.New()
	now := time.Now()
	c.Put(entry.New("a", 1, entry.Metadata{}, now))

	src, _ := c.Peek("a")
	e := NewEntry("a", src, false)
	assert.True(t, e.Exists())

	e.SetEvicted()
	assert.True(t, e.IsEvicted())
	assert.True(t, e.IsRemoved())
	assert.False(t, e.Exists())

	e.Commit(c, now)
	assert.Equal(t, 0, c.Size())
}

func TestContext_LocalScope(t *testing.T) {
	ctx := NewLocal(context.Background())

	assert.True(t, ctx.IsOriginLocal())
	assert.False(t, ctx.IsInTx())
	assert.Equal(t, any(ctx), ctx.LockOwner())

	ctx.PutEntry(NewEntry("b", nil, true))
	ctx.PutEntry(NewEntry("a", nil, true))
	ctx.PutEntry(NewEntry("b", nil, false))

	entries := ctx.Entries()
	assert.Equal(t, 2, len(entries))
	assert.Equal(t, "b", entries[0].Key)
	assert.False(t, entries[0].IsReadOnly())

	ctx.AddLockedKey("a")
	ctx.AddLockedKey("b")
	ctx.AddLockedKey("a")
	assert.True(t, ctx.HasLock("b"))
	assert.Equal(t, []string{"a", "b"}, ctx.TakeLockedKeys())
	assert.Equal(t, 0, len(ctx.LockedKeys()))
}

func TestContext_TransactionSharesScope(t *testing.T) {
	gtx := commands.GlobalTransaction{ID: 1, Origin: "n1"}
	tx := NewTransaction(gtx)

	first := NewTx(context.Background(), tx)
	first.PutEntry(NewEntry("k", nil, false))

	second := NewTx(context.Background(), tx)
	_, ok := second.Lookup("k")
	assert.True(t, ok)
	assert.Equal(t, any(gtx), second.LockOwner())

	remote := NewRemoteTx(context.Background(), "n2", NewRemoteTransaction(gtx))
	assert.False(t, remote.IsOriginLocal())
	assert.Equal(t, "n2", remote.Origin())
	assert.True(t, remote.Tx().IsRemote())
}

func TestTransaction_VersionsSeenKeepFirstRead(t *testing.T) {
	tx := NewTransaction(commands.GlobalTransaction{ID: 1})

	tx.RecordVersionSeen("k", versioning.Version{Counter: 1})
	tx.RecordVersionSeen("k", versioning.Version{Counter: 5})

	assert.Equal(t, uint64(1), tx.VersionsSeen()["k"].Counter)

	tx.AddParticipants("b", "a", "b")
	assert.Equal(t, []string{"a", "b"}, tx.Participants())

	tx.SetState(TxCommitted)
	assert.True(t, tx.IsDone())
}
