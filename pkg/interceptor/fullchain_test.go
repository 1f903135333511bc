package interceptor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/lock"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/versioning"
)

type standalone struct {
	container *container.Memory
	locks     *lock.Manager
	store     *persistence.MemoryStore
	metrics   *Metrics
	chain     *Chain
}

func newStandalone(t *testing.T, passivation bool) *standalone {
	t.Helper()

	c, err := container.New()
	assert.NoError(t, err)

	store := persistence.NewMemoryStore("mem", false)
	pm := persistence.NewManager(persistence.WithStore(store))
	locks := lock.NewManager()
	m := NewMetrics(t.Name())

	var storeInterceptor Visitor = NewWriter(pm, nil, m, nil)
	if passivation {
		storeInterceptor = NewPassivation(pm, c, nil, m, nil)
	}

	chain, err := NewChain(NewCall(c, nil),
		NewGuard(nil, nil),
		NewStats(m),
		NewTransactions(nil, nil),
		NewLocking(locks, nil, 100*time.Millisecond, nil),
		NewEntryWrapping(c, nil, nil),
		NewDistribution(nil, nil),
		NewLoader(LoaderConfig{Persistence: pm, Container: c, Locks: locks, LockTimeout: 100 * time.Millisecond, Passivation: passivation, Metrics: m}),
		NewVersioning(c, nil, nil),
		storeInterceptor,
	)
	assert.NoError(t, err)

	return &standalone{container: c, locks: locks, store: store, metrics: m, chain: chain}
}

func (s *standalone) invoke(cmd commands.Command) (any, error) {
	return s.chain.Invoke(invocation.NewLocal(context.Background()), cmd)
}

func (s *standalone) inMemory(key string) bool {
	_, ok := s.container.Peek(key)

	return ok
}

func TestLoader_ReadThroughInsertsIntoMemory(t *testing.T) {
	s := newStandalone(t, false)

	assert.NoError(t, s.store.Write(context.Background(), entry.New("k", "stored", entry.Metadata{}, time.Now())))

	v, err := s.invoke(commands.NewGet("k"))
	assert.NoError(t, err)
	assert.Equal(t, "stored", v)
	assert.True(t, s.inMemory("k"))
	assert.True(t, s.store.Contains("k"))
	assert.Equal(t, uint64(1), s.metrics.Loads.Get())
	assert.Equal(t, uint64(1), s.metrics.Hits.Get())

	v, err = s.invoke(commands.NewGet("nothing"))
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, uint64(1), s.metrics.LoadMisses.Get())
	assert.Equal(t, uint64(1), s.metrics.Misses.Get())

	v, err = s.invoke(commands.NewGet("other", commands.SkipLoad))
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, int64(2), s.store.Loads())
}

func TestWriter_WriteThroughOncePerKey(t *testing.T) {
	s := newStandalone(t, false)

	_, err := s.invoke(commands.NewPutAll(map[string]any{"a": 1, "b": 2}, entry.Metadata{}))
	assert.NoError(t, err)
	assert.Equal(t, int64(2), s.store.Writes())
	assert.True(t, s.store.Contains("a"))

	_, err = s.invoke(commands.NewRemove("a"))
	assert.NoError(t, err)
	assert.False(t, s.store.Contains("a"))
	assert.Equal(t, int64(1), s.store.Deletes())

	_, err = s.invoke(commands.NewPut("c", 3, entry.Metadata{}, commands.SkipStore))
	assert.NoError(t, err)
	assert.False(t, s.store.Contains("c"))
	assert.True(t, s.inMemory("c"))

	failed := commands.NewPutIfAbsent("b", 9, entry.Metadata{})
	_, err = s.invoke(failed)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), s.store.Writes())

	_, err = s.invoke(commands.NewClear())
	assert.NoError(t, err)
	assert.Equal(t, 0, s.container.Size())
	assert.False(t, s.store.Contains("b"))
}

func TestWriter_RemoveLoadsPreviousValue(t *testing.T) {
	s := newStandalone(t, false)

	assert.NoError(t, s.store.Write(context.Background(), entry.New("k", "old", entry.Metadata{}, time.Now())))

	v, err := s.invoke(commands.NewRemove("k"))
	assert.NoError(t, err)
	assert.Equal(t, "old", v)
	assert.False(t, s.store.Contains("k"))
}

func TestPassivation_MemoryXorStore(t *testing.T) {
	s := newStandalone(t, true)

	xor := func() {
		t.Helper()
		assert.True(t, s.inMemory("k") != s.store.Contains("k"))
	}

	_, err := s.invoke(commands.NewPut("k", "v1", entry.Metadata{}))
	assert.NoError(t, err)
	xor()
	assert.True(t, s.inMemory("k"))

	_, err = s.invoke(commands.NewEvict("k"))
	assert.NoError(t, err)
	xor()
	assert.True(t, s.store.Contains("k"))

	v, err := s.invoke(commands.NewGet("k"))
	assert.NoError(t, err)
	assert.Equal(t, "v1", v)
	xor()
	assert.True(t, s.inMemory("k"))

	_, err = s.invoke(commands.NewEvict("k"))
	assert.NoError(t, err)
	xor()

	_, err = s.invoke(commands.NewPut("k", "v2", entry.Metadata{}))
	assert.NoError(t, err)
	xor()
	assert.True(t, s.inMemory("k"))

	_, err = s.invoke(commands.NewEvict("k"))
	assert.NoError(t, err)
	xor()

	v, err = s.invoke(commands.NewReplace("k", "v3", entry.Metadata{}))
	assert.NoError(t, err)
	assert.Equal(t, "v2", v)
	xor()

	v, err = s.invoke(commands.NewGet("k"))
	assert.NoError(t, err)
	assert.Equal(t, "v3", v)
	xor()

	assert.Equal(t, uint64(3), s.metrics.Passivations.Get())
	assert.Equal(t, uint64(1), s.metrics.Activations.Get())
	assert.Equal(t, 0, s.locks.LockCount())
}

func TestPassivation_EvictSkipsWhenLocked(t *testing.T) {
	s := newStandalone(t, true)

	_, err := s.invoke(commands.NewPut("k", "v", entry.Metadata{}))
	assert.NoError(t, err)

	held := s.locks.Lock("k", "writer", time.Second)
	_, err = held.Get(context.Background())
	assert.NoError(t, err)

	_, err = s.invoke(commands.NewEvict("k"))
	assert.True(t, errors.Is(err, sentinel.ErrLockTimeout))
	assert.True(t, s.inMemory("k"))
	assert.False(t, s.store.Contains("k"))

	s.locks.Unlock("k", "writer")
}

func TestVersioning_NonTransactionalWritesIncrement(t *testing.T) {
	s := newStandalone(t, false)

	for range 3 {
		_, err := s.invoke(commands.NewPut("k", "v", entry.Metadata{}))
		assert.NoError(t, err)
	}

	e, ok := s.container.Peek("k")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), e.Metadata.Version.Counter)
}

// begin starts a transaction on s.
func begin(id uint64) *invocation.Transaction {
	return invocation.NewTransaction(commands.GlobalTransaction{ID: id, Origin: "local"})
}

func (s *standalone) inTx(tx *invocation.Transaction, cmd commands.Command) (any, error) {
	return s.chain.Invoke(invocation.NewTx(context.Background(), tx), cmd)
}

func (s *standalone) prepare(tx *invocation.Transaction, onePhase bool) (any, error) {
	return s.inTx(tx, &commands.PrepareCommand{
		Tx:            tx.GlobalTx(),
		Modifications: tx.Modifications(),
		VersionsSeen:  tx.VersionsSeen(),
		OnePhase:      onePhase,
	})
}

func TestTransactions_OnePhaseWriteSkew(t *testing.T) {
	s := newStandalone(t, false)

	_, err := s.invoke(commands.NewPut("k", "initial", entry.Metadata{}))
	assert.NoError(t, err)

	tx1 := begin(1)
	v, err := s.inTx(tx1, commands.NewGet("k"))
	assert.NoError(t, err)
	assert.Equal(t, "initial", v)

	tx2 := begin(2)
	_, err = s.inTx(tx2, commands.NewGet("k"))
	assert.NoError(t, err)
	_, err = s.inTx(tx2, commands.NewPut("k", "second", entry.Metadata{}))
	assert.NoError(t, err)

	versions, err := s.prepare(tx2, true)
	assert.NoError(t, err)
	assert.Equal(t, versioning.Version{Counter: 2}, versions.(map[string]versioning.Version)["k"])
	assert.Equal(t, invocation.TxCommitted, tx2.State())

	_, err = s.inTx(tx1, commands.NewPut("k", "first", entry.Metadata{}))
	assert.NoError(t, err)

	_, err = s.prepare(tx1, true)
	assert.True(t, errors.Is(err, sentinel.ErrWriteSkew))
	assert.True(t, tx1.IsRollbackOnly())

	_, err = s.inTx(tx1, &commands.RollbackCommand{Tx: tx1.GlobalTx()})
	assert.NoError(t, err)

	v, err = s.invoke(commands.NewGet("k"))
	assert.NoError(t, err)
	assert.Equal(t, "second", v)
	assert.Equal(t, 0, s.locks.LockCount())
	assert.True(t, s.store.Contains("k"))
}

func TestTransactions_TwoPhaseCommitPublishesAtCommit(t *testing.T) {
	s := newStandalone(t, false)

	tx := begin(3)
	_, err := s.inTx(tx, commands.NewPut("a", 1, entry.Metadata{}))
	assert.NoError(t, err)
	_, err = s.inTx(tx, commands.NewRemove("missing"))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(tx.Modifications()))
	assert.False(t, s.inMemory("a"))

	versions, err := s.prepare(tx, false)
	assert.NoError(t, err)
	assert.False(t, s.inMemory("a"))
	assert.True(t, s.locks.IsLocked("a"))

	_, err = s.inTx(tx, &commands.CommitCommand{Tx: tx.GlobalTx(), UpdatedVersions: versions.(map[string]versioning.Version)})
	assert.NoError(t, err)
	assert.True(t, s.inMemory("a"))
	assert.True(t, s.store.Contains("a"))
	assert.Equal(t, 0, s.locks.LockCount())
	assert.Equal(t, invocation.TxCommitted, tx.State())

	_, err = s.inTx(tx, commands.NewGet("a"))
	assert.True(t, errors.Is(err, sentinel.ErrInvalidTransactionState))
}

func TestTransactions_RollbackDiscards(t *testing.T) {
	s := newStandalone(t, false)

	tx := begin(4)
	_, err := s.inTx(tx, commands.NewPut("a", 1, entry.Metadata{}))
	assert.NoError(t, err)

	v, err := s.inTx(tx, commands.NewGet("a"))
	assert.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = s.prepare(tx, false)
	assert.NoError(t, err)

	_, err = s.inTx(tx, &commands.RollbackCommand{Tx: tx.GlobalTx()})
	assert.NoError(t, err)
	assert.False(t, s.inMemory("a"))
	assert.False(t, s.store.Contains("a"))
	assert.Equal(t, 0, s.locks.LockCount())
	assert.Equal(t, invocation.TxRolledBack, tx.State())
}

func TestVersioning_RemoveLeavesATombstone(t *testing.T) {
	s := newStandalone(t, false)

	_, err := s.invoke(commands.NewPut("k", "v", entry.Metadata{}))
	assert.NoError(t, err)

	tx := begin(5)
	_, err = s.inTx(tx, commands.NewGet("k"))
	assert.NoError(t, err)
	assert.Equal(t, versioning.Version{Counter: 1}, tx.VersionsSeen()["k"])

	// removed and written again: the value matches but the version moved on
	_, err = s.invoke(commands.NewRemove("k"))
	assert.NoError(t, err)
	_, err = s.invoke(commands.NewPut("k", "v", entry.Metadata{}))
	assert.NoError(t, err)

	e, ok := s.container.Peek("k")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), e.Metadata.Version.Counter)

	_, err = s.inTx(tx, commands.NewPut("k", "mine", entry.Metadata{}))
	assert.NoError(t, err)

	_, err = s.prepare(tx, true)
	assert.True(t, errors.Is(err, sentinel.ErrWriteSkew))

	_, err = s.inTx(tx, &commands.RollbackCommand{Tx: tx.GlobalTx()})
	assert.NoError(t, err)

	// a failed remove of an absent key leaves no tombstone behind
	_, err = s.invoke(commands.NewRemove("other"))
	assert.NoError(t, err)
	_, err = s.invoke(commands.NewPut("other", 1, entry.Metadata{}))
	assert.NoError(t, err)

	e, ok = s.container.Peek("other")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), e.Metadata.Version.Counter)
	assert.Equal(t, 0, s.locks.LockCount())
}

func TestTransactions_WritesThatReadRecordTheirVersion(t *testing.T) {
	tests := []struct {
		name  string
		write commands.Command
		seen  bool
	}{
		{name: "replace if equals", write: commands.NewReplaceIfEquals("k", "initial", "mine", entry.Metadata{}), seen: true},
		{name: "remove if equals", write: commands.NewRemoveIfEquals("k", "initial"), seen: true},
		{name: "put returning previous", write: commands.NewPut("k", "mine", entry.Metadata{}, commands.ForceReturnValue), seen: true},
		{name: "blind put", write: commands.NewPut("k", "mine", entry.Metadata{})},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStandalone(t, false)

			_, err := s.invoke(commands.NewPut("k", "initial", entry.Metadata{}))
			assert.NoError(t, err)

			tx := begin(uint64(10 + i))
			_, err = s.inTx(tx, tt.write)
			assert.NoError(t, err)

			_, recorded := tx.VersionsSeen()["k"]
			assert.Equal(t, tt.seen, recorded)

			_, err = s.invoke(commands.NewPut("k", "concurrent", entry.Metadata{}))
			assert.NoError(t, err)

			_, err = s.prepare(tx, true)
			assert.Equal(t, tt.seen, errors.Is(err, sentinel.ErrWriteSkew))

			if tt.seen {
				_, err = s.inTx(tx, &commands.RollbackCommand{Tx: tx.GlobalTx()})
				assert.NoError(t, err)
			}

			assert.Equal(t, 0, s.locks.LockCount())
		})
	}
}
