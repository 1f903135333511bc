package persistence

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/pkg/entry"
)

// BigCacheConfig configures a BigCacheStore.
type BigCacheConfig struct {
	LifeWindow         time.Duration // global expiry; per-entry lifespans are checked on load
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited
}

// BigCacheStore is a private off-heap store, useful as a passivation target that
// keeps evicted entries out of the garbage collector's reach.
type BigCacheStore struct {
	c   *bc.BigCache
	ser serializer.ISerializer
}

// NewBigCacheStore builds a store from cfg.
func NewBigCacheStore(ctx context.Context, cfg BigCacheConfig) (*BigCacheStore, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false

	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}

	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}

	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}

	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}

	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, ewrap.Wrap(err, "create bigcache")
	}

	ser, err := serializer.New("msgpack")
	if err != nil {
		return nil, err
	}

	return &BigCacheStore{c: c, ser: ser}, nil
}

// Close releases the cache.
func (s *BigCacheStore) Close() error { return s.c.Close() }

func (*BigCacheStore) Name() string { return "bigcache" }

func (*BigCacheStore) Shared() bool { return false }

func (s *BigCacheStore) Load(_ context.Context, key string) (*entry.InternalEntry, bool, error) {
	b, err := s.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, ewrap.Wrap(err, "bigcache get")
	}

	var e entry.InternalEntry

	err = s.ser.Unmarshal(b, &e)
	if err != nil {
		return nil, false, err
	}

	return &e, true, nil
}

func (s *BigCacheStore) Write(_ context.Context, e *entry.InternalEntry) error {
	err := e.Valid()
	if err != nil {
		return err
	}

	b, err := s.ser.Marshal(e)
	if err != nil {
		return err
	}

	return s.c.Set(e.Key, b)
}

func (s *BigCacheStore) Delete(_ context.Context, key string) (bool, error) {
	err := s.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return false, nil
	}

	if err != nil {
		return false, ewrap.Wrap(err, "bigcache delete")
	}

	return true, nil
}

func (s *BigCacheStore) Clear(context.Context) error { return s.c.Reset() }

func (s *BigCacheStore) Size(context.Context) (int, error) { return s.c.Len(), nil }
