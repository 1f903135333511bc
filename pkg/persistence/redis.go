package persistence

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/entry"
)

const (
	maxRetries   = 3
	retriesDelay = 100 * time.Millisecond
	dataField    = "data"
)

// RedisStore keeps each entry in a hash and tracks keys in a set. It is shared:
// every member talks to the same server.
type RedisStore struct {
	rdb         redis.UniversalClient
	keysSetName string
	prefix      string
	Serializer  serializer.ISerializer
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeysSetName sets the name of the set tracking stored keys.
func WithKeysSetName(name string) RedisOption {
	return func(s *RedisStore) {
		if name != "" {
			s.keysSetName = name
		}
	}
}

// WithKeyPrefix namespaces entry hashes.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithSerializer sets the entry codec; msgpack by default.
func WithSerializer(ser serializer.ISerializer) RedisOption {
	return func(s *RedisStore) {
		if ser != nil {
			s.Serializer = ser
		}
	}
}

// NewRedisClient dials addrs with the default pool and timeout settings. More than
// one address yields a cluster client.
func NewRedisClient(addrs ...string) (redis.UniversalClient, error) { //nolint:ireturn
	if len(addrs) == 0 {
		return nil, ewrap.New("redis address is required")
	}

	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := &net.Dialer{Timeout: constants.RedisDialTimeout}

		return d.DialContext(ctx, network, addr)
	}

	if len(addrs) > 1 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			Dialer:       dialer,
			MaxRetries:   constants.RedisClientMaxRetries,
			DialTimeout:  constants.RedisDialTimeout,
			ReadTimeout:  constants.RedisClientReadTimeout,
			WriteTimeout: constants.RedisClientWriteTimeout,
			PoolSize:     constants.RedisClientPoolSize,
			MinIdleConns: constants.RedisClientMinIdleConns,
			PoolTimeout:  constants.RedisClientPoolTimeout,
		}), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:         addrs[0],
		Dialer:       dialer,
		MaxRetries:   constants.RedisClientMaxRetries,
		DialTimeout:  constants.RedisDialTimeout,
		ReadTimeout:  constants.RedisClientReadTimeout,
		WriteTimeout: constants.RedisClientWriteTimeout,
		PoolSize:     constants.RedisClientPoolSize,
		MinIdleConns: constants.RedisClientMinIdleConns,
		PoolTimeout:  constants.RedisClientPoolTimeout,
	}), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, sentinel.ErrNilClient
	}

	s := &RedisStore{rdb: client, keysSetName: constants.RedisKeySetName}
	for _, opt := range opts {
		opt(s)
	}

	if s.Serializer == nil {
		var err error

		s.Serializer, err = serializer.New("msgpack")
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *RedisStore) hashKey(key string) string { return s.prefix + key }

func (*RedisStore) Name() string { return "redis" }

func (*RedisStore) Shared() bool { return true }

func (s *RedisStore) Load(ctx context.Context, key string) (*entry.InternalEntry, bool, error) {
	data, err := s.rdb.HGet(ctx, s.hashKey(key), dataField).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}

		return nil, false, ewrap.Wrap(err, "failed to get entry from redis")
	}

	var e entry.InternalEntry

	err = s.Serializer.Unmarshal(data, &e)
	if err != nil {
		return nil, false, err
	}

	return &e, true, nil
}

func (s *RedisStore) Write(ctx context.Context, e *entry.InternalEntry) error {
	err := e.Valid()
	if err != nil {
		return err
	}

	data, err := s.Serializer.Marshal(e)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	hk := s.hashKey(e.Key)

	pipe.HSet(ctx, hk, map[string]any{
		dataField:  data,
		"lifespan": e.Metadata.Lifespan.String(),
	})
	pipe.SAdd(ctx, s.keysSetName, e.Key)

	if left := e.Remaining(time.Now()); left > 0 {
		pipe.Expire(ctx, hk, left)
	} else {
		pipe.Persist(ctx, hk)
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return ewrap.Wrap(err, "failed to execute redis pipeline")
	}

	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	pipe := s.rdb.TxPipeline()

	del := pipe.Del(ctx, s.hashKey(key))
	pipe.SRem(ctx, s.keysSetName, key)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, ewrap.Wrap(err, "failed to remove entry from redis")
	}

	return del.Val() > 0, nil
}

// Clear removes every tracked key and the tracking set.
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.rdb.SMembers(ctx, s.keysSetName).Result()
	if err != nil {
		return ewrap.Wrap(err, "failed to get keys from redis", ewrap.WithRetry(maxRetries, retriesDelay))
	}

	pipe := s.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.hashKey(k))
	}

	pipe.Del(ctx, s.keysSetName)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return ewrap.Wrap(err, "failed to clear redis keys")
	}

	return nil
}

// Size returns the number of tracked keys, which may include expired hashes.
func (s *RedisStore) Size(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.keysSetName).Result()
	if err != nil {
		return 0, ewrap.Wrap(err, "failed to count redis keys")
	}

	return int(n), nil
}
