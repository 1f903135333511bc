package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/pkg/grid"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a grid node",
	Long: `Start a grid node with the specified configuration. Every flag can also be set
through an environment variable named HYPERGRID_<FLAG> (e.g. HYPERGRID_NODE_ID=a).
.env and .env.local are loaded when present.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error { return viper.BindPFlags(cmd.Flags()) },
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := serveCmd.Flags()
	flags.String("node-id", "local", "unique id of this member")
	flags.String("address", "127.0.0.1:7000", "host:port of the HTTP transport")
	flags.String("peers", "", "other members as id=host:port, comma separated; empty runs standalone")
	flags.Int("replication", 2, "number of owners per key")
	flags.String("replication-mode", "sync", "sync or async backups")
	flags.Duration("remote-timeout", 0, "timeout of one remote call (0 keeps the default)")
	flags.Duration("l1", 0, "lifespan of near-cached entries (0 disables L1)")
	flags.Duration("lock-timeout", 0, "how long a write waits for a key lock (0 keeps the default)")
	flags.Int("capacity", 0, "maximum entries in memory (0 is unbounded)")
	flags.String("eviction-policy", "lru", "eviction policy when capacity is set: lru, lfu or clock")
	flags.StringSlice("stores", nil, "persistent stores in lookup order: redis, sqlite, bigcache")
	flags.String("redis-addr", "127.0.0.1:6379", "redis address of the redis store; several comma separated addresses dial a cluster")
	flags.String("sqlite-dsn", "hypergrid.db", "database file of the sqlite store")
	flags.Bool("passivation", false, "keep each key in memory or in the stores, never both (private stores only when clustered)")
	flags.Bool("write-behind", false, "write stores asynchronously")
	flags.String("mgmt-addr", "", "address of the management HTTP endpoints (empty disables them)")
	flags.String("logger", "zap", "log backend: zap or logrus")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

// initConfig loads env files and maps HYPERGRID_* variables onto the flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("hypergrid")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// settings is the parsed form of the serve flags.
type settings struct {
	NodeID          string
	Address         string
	Peers           string
	Replication     int
	ReplicationMode string
	RemoteTimeout   time.Duration
	L1              time.Duration
	LockTimeout     time.Duration
	Capacity        int
	EvictionPolicy  string
	Stores          []string
	RedisAddr       string
	SQLiteDSN       string
	Passivation     bool
	WriteBehind     bool
	MgmtAddr        string
	Logger          string
	LogLevel        string
}

func readSettings() settings {
	return settings{
		NodeID:          viper.GetString("node-id"),
		Address:         viper.GetString("address"),
		Peers:           viper.GetString("peers"),
		Replication:     viper.GetInt("replication"),
		ReplicationMode: viper.GetString("replication-mode"),
		RemoteTimeout:   viper.GetDuration("remote-timeout"),
		L1:              viper.GetDuration("l1"),
		LockTimeout:     viper.GetDuration("lock-timeout"),
		Capacity:        viper.GetInt("capacity"),
		EvictionPolicy:  viper.GetString("eviction-policy"),
		Stores:          viper.GetStringSlice("stores"),
		RedisAddr:       viper.GetString("redis-addr"),
		SQLiteDSN:       viper.GetString("sqlite-dsn"),
		Passivation:     viper.GetBool("passivation"),
		WriteBehind:     viper.GetBool("write-behind"),
		MgmtAddr:        viper.GetString("mgmt-addr"),
		Logger:          viper.GetString("logger"),
		LogLevel:        viper.GetString("log-level"),
	}
}

func runServe(*cobra.Command, []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := readSettings()

	logger, err := newLogger(s.Logger, s.LogLevel)
	if err != nil {
		return err
	}

	opts, closers, err := nodeOptions(ctx, s, logger)
	if err != nil {
		return err
	}

	defer closeAll(closers, logger)

	node, err := grid.New(ctx, opts...)
	if err != nil {
		return ewrap.Wrap(err, "starting node")
	}

	logger.Info("serving", logging.Fields{
		"node":      node.ID(),
		"transport": node.TransportAddress(),
		"mgmt":      node.ManagementHTTPAddress(),
		"members":   node.Members(),
	})

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return node.Shutdown(shutdownCtx)
}

// nodeOptions turns settings into node options. The returned closers release
// the store connections after the node stops.
func nodeOptions(ctx context.Context, s settings, logger logging.Logger) ([]grid.Option, []func() error, error) {
	opts := []grid.Option{
		grid.WithNodeID(s.NodeID),
		grid.WithAddress(s.Address),
		grid.WithLogger(logger),
		grid.WithCapacity(s.Capacity),
		grid.WithEvictionPolicy(s.EvictionPolicy),
	}

	membership, err := membershipFor(s)
	if err != nil {
		return nil, nil, err
	}

	if membership != nil {
		mode, err := replicationMode(s.ReplicationMode)
		if err != nil {
			return nil, nil, err
		}

		opts = append(opts,
			grid.WithMembership(membership),
			grid.WithHTTPTransport(s.RemoteTimeout),
			grid.WithReplicationMode(mode),
			grid.WithL1(s.L1),
		)
	}

	if s.LockTimeout > 0 {
		opts = append(opts, grid.WithLockTimeout(s.LockTimeout))
	}

	if s.MgmtAddr != "" {
		opts = append(opts, grid.WithManagementHTTP(s.MgmtAddr))
	}

	stores, closers, err := openStores(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	for _, store := range stores {
		opts = append(opts, grid.WithStore(store))
	}

	if s.Passivation {
		opts = append(opts, grid.WithPassivation())
	}

	if s.WriteBehind {
		opts = append(opts, grid.WithWriteBehind())
	}

	return opts, closers, nil
}

// parsePeers reads "id=host:port,id=host:port".
func parsePeers(raw string) (map[string]string, error) {
	peers := make(map[string]string)

	for member := range strings.SplitSeq(raw, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}

		id, addr, ok := strings.Cut(member, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(addr) == "" {
			return nil, ewrap.Newf("invalid peer %q (expected id=host:port)", member)
		}

		peers[strings.TrimSpace(id)] = strings.TrimSpace(addr)
	}

	return peers, nil
}

// membershipFor returns nil when no peers are configured.
func membershipFor(s settings) (*cluster.Membership, error) {
	peers, err := parsePeers(s.Peers)
	if err != nil {
		return nil, err
	}

	if len(peers) == 0 {
		return nil, nil
	}

	if _, dup := peers[s.NodeID]; dup {
		return nil, ewrap.Newf("peer list contains the local node %q", s.NodeID)
	}

	membership := cluster.NewMembership(cluster.NewRing(cluster.WithReplication(s.Replication)))
	membership.Upsert(cluster.NewNode(s.NodeID, s.Address))

	for id, addr := range peers {
		membership.Upsert(cluster.NewNode(id, addr))
	}

	return membership, nil
}

func replicationMode(name string) (transport.Mode, error) {
	switch strings.ToLower(name) {
	case "", "sync":
		return transport.Sync, nil
	case "async":
		return transport.Async, nil
	default:
		return transport.Sync, ewrap.Newf("invalid replication mode %q (expected sync or async)", name)
	}
}

func newLogger(backend, level string) (logging.Logger, error) { //nolint:ireturn
	switch strings.ToLower(backend) {
	case "", "zap":
		z, err := logging.NewZap(strings.EqualFold(level, "debug"))
		if err != nil {
			return nil, ewrap.Wrap(err, "building zap logger")
		}

		return z, nil
	case "logrus":
		l, err := logging.NewLogrus(level)
		if err != nil {
			return nil, ewrap.Wrap(err, "building logrus logger")
		}

		return l, nil
	default:
		return nil, ewrap.Newf("invalid logger %q (expected zap or logrus)", backend)
	}
}

func openStores(ctx context.Context, s settings) ([]persistence.Store, []func() error, error) {
	var (
		stores  []persistence.Store
		closers []func() error
	)

	fail := func(err error) ([]persistence.Store, []func() error, error) {
		closeAll(closers, logging.Nop{})

		return nil, nil, err
	}

	for _, name := range s.Stores {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "redis":
			client, err := persistence.NewRedisClient(splitList(s.RedisAddr)...)
			if err != nil {
				return fail(err)
			}

			closers = append(closers, client.Close)

			store, err := persistence.NewRedisStore(client)
			if err != nil {
				return fail(err)
			}

			stores = append(stores, store)
		case "sqlite":
			store, err := persistence.OpenSQLStore(ctx, s.SQLiteDSN, "", false)
			if err != nil {
				return fail(err)
			}

			closers = append(closers, store.Close)
			stores = append(stores, store)
		case "bigcache":
			store, err := persistence.NewBigCacheStore(ctx, persistence.BigCacheConfig{
				LifeWindow:         24 * time.Hour,
				CleanWindow:        time.Minute,
				MaxEntriesInWindow: 1 << 16,
				MaxEntrySize:       512,
			})
			if err != nil {
				return fail(err)
			}

			closers = append(closers, store.Close)
			stores = append(stores, store)
		default:
			return fail(ewrap.Newf("unknown store %q (expected redis, sqlite or bigcache)", name))
		}
	}

	return stores, closers, nil
}

func splitList(raw string) []string {
	var out []string

	for item := range strings.SplitSeq(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}

func closeAll(closers []func() error, logger logging.Logger) {
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("closing store", logging.Fields{"error": err.Error()})
		}
	}
}
