package persistence

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/workerpool"
)

func sample(key string, value any) *entry.InternalEntry {
	return entry.New(key, value, entry.Metadata{}, time.Now())
}

// storeContract runs the behavior every Store implementation shares.
func storeContract(t *testing.T, s Store) {
	t.Helper()

	ctx := context.Background()

	_, ok, err := s.Load(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Write(ctx, sample("a", "1")))
	assert.NoError(t, s.Write(ctx, sample("b", "2")))
	assert.True(t, s.Write(ctx, sample(" ", "x")) != nil)

	e, ok, err := s.Load(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", e.Value)

	n, err := s.Size(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := s.Delete(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, found)

	found, err = s.Delete(ctx, "a")
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, s.Clear(ctx))

	n, err = s.Size(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore("mem", false)
	storeContract(t, s)

	assert.True(t, s.Writes() > 0)
	assert.True(t, s.Loads() > 0)
}

func TestSQLStore(t *testing.T) {
	s, err := OpenSQLStore(context.Background(), ":memory:", "", false)
	assert.NoError(t, err)

	defer func() { _ = s.Close() }()

	storeContract(t, s)

	_, err = OpenSQLStore(context.Background(), ":memory:", "drop table;", false)
	assert.True(t, err != nil)
}

func TestBigCacheStore(t *testing.T) {
	s, err := NewBigCacheStore(context.Background(), BigCacheConfig{LifeWindow: time.Minute})
	assert.NoError(t, err)

	defer func() { _ = s.Close() }()

	storeContract(t, s)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("HYPERGRID_REDIS_ADDR")
	if addr == "" {
		t.Skip("HYPERGRID_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()

	s, err := NewRedisStore(client, WithKeysSetName("hypergrid-test"), WithKeyPrefix("hypergrid-test:"))
	assert.NoError(t, err)
	assert.NoError(t, s.Clear(context.Background()))

	storeContract(t, s)
}

func TestNewRedisStore_NilClient(t *testing.T) {
	_, err := NewRedisStore(nil)
	assert.True(t, errors.Is(err, sentinel.ErrNilClient))
}

func TestAsyncStore_ReadsPendingAndFlushes(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Shutdown()

	delegate := NewMemoryStore("mem", false)
	s := NewAsyncStore(delegate, pool, nil)

	ctx := context.Background()

	for i := range 20 {
		assert.NoError(t, s.Write(ctx, sample("k", i)))
	}

	e, ok, err := s.Load(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 19, e.Value)

	s.Flush()

	stored, ok, err := delegate.Load(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 19, stored.Value)

	found, err := s.Delete(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, found)

	_, ok, _ = s.Load(ctx, "k")
	assert.False(t, ok)

	s.Flush()
	assert.False(t, delegate.Contains("k"))
}

func TestManager_ModesAndOrder(t *testing.T) {
	ctx := context.Background()
	private := NewMemoryStore("private", false)
	shared := NewMemoryStore("shared", true)

	m := NewManager(WithStore(private), WithStore(shared))
	assert.True(t, m.Enabled())

	_, err := m.Write(ctx, sample("k", "v"), PrivateOnly).Get(ctx)
	assert.NoError(t, err)
	assert.True(t, private.Contains("k"))
	assert.False(t, shared.Contains("k"))

	_, err = m.Write(ctx, sample("s", "v"), SharedOnly).Get(ctx)
	assert.NoError(t, err)
	assert.True(t, shared.Contains("s"))

	v, err := m.Load(ctx, "s", All).Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "s", v.(*entry.InternalEntry).Key)

	v, err = m.Load(ctx, "s", PrivateOnly).Get(ctx)
	assert.NoError(t, err)
	assert.True(t, v.(*entry.InternalEntry) == nil)

	v, err = m.Delete(ctx, "k", All).Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, true, v)

	n, err := m.Size(ctx, All)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Clear(ctx, All).Get(ctx)
	assert.NoError(t, err)

	n, err = m.Size(ctx, All)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestManager_ExpiredEntriesAreMisses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem", false)

	old := entry.New("k", "v", entry.Metadata{Lifespan: time.Second}, time.Now().Add(-time.Minute))
	assert.NoError(t, s.Write(ctx, old))

	v, err := NewManager(WithStore(s)).Load(ctx, "k", All).Get(ctx)
	assert.NoError(t, err)
	assert.True(t, v.(*entry.InternalEntry) == nil)
	assert.False(t, s.Contains("k"))
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Write(context.Context, *entry.InternalEntry) error { return errors.New("disk full") }

func TestManager_FailuresWrapPersistenceError(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithStore(brokenStore{NewMemoryStore("broken", false)}))

	_, err := m.Write(ctx, sample("k", "v"), All).Get(ctx)
	assert.True(t, errors.Is(err, sentinel.ErrPersistence))
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient()
	assert.True(t, err != nil)

	single, err := NewRedisClient("127.0.0.1:6379")
	assert.NoError(t, err)

	_, ok := single.(*redis.Client)
	assert.True(t, ok)
	assert.NoError(t, single.Close())

	clustered, err := NewRedisClient("127.0.0.1:7000", "127.0.0.1:7001")
	assert.NoError(t, err)

	_, ok = clustered.(*redis.ClusterClient)
	assert.True(t, ok)
	assert.NoError(t, clustered.Close())
}
