package grid

import (
	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/interceptor"
	"github.com/hyp3rd/hypergrid/pkg/lock"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/transport"
	"github.com/hyp3rd/hypergrid/pkg/tx"
)

// collaborators are the per-node services the interceptors share.
type collaborators struct {
	container   container.Container
	dm          *distribution.Manager
	transport   transport.Transport
	locks       lock.Locker
	persistence *persistence.Manager
	metrics     *interceptor.Metrics
	table       *tx.Table
	logger      logging.Logger
	stopping    func() bool
}

// buildChain assembles the interceptor chain for cfg:
//
//	Guard, Stats, [Tracing], Transactions, Locking, EntryWrapping, Distribution,
//	[Loader], Versioning, [Writer | Passivation], Call
//
// The persistence interceptors are present only when stores are configured.
func buildChain(cfg *Config, c collaborators) (*interceptor.Chain, *interceptor.Distribution, error) {
	err := checkPassivation(cfg, c)
	if err != nil {
		return nil, nil, err
	}

	dist := interceptor.NewDistribution(c.dm, c.transport,
		interceptor.WithReplicationMode(cfg.ReplicationMode),
		interceptor.WithL1(cfg.L1Lifespan),
		interceptor.WithDistributionClock(cfg.Clock),
		interceptor.WithDistributionLogger(c.logger),
		interceptor.WithOwnerState(c.locks, c.container),
	)

	list := []interceptor.Visitor{
		interceptor.NewGuard(c.logger, c.stopping),
		interceptor.NewStats(c.metrics),
	}

	if cfg.Tracing {
		tracing, err := interceptor.NewTracing(cfg.Tracer, cfg.Meter,
			interceptor.WithCommonAttributes(nodeAttribute(cfg.NodeID)))
		if err != nil {
			return nil, nil, ewrap.Wrap(err, "tracing interceptor")
		}

		list = append(list, tracing)
	}

	list = append(list,
		interceptor.NewTransactions(c.table, c.logger),
		interceptor.NewLocking(c.locks, c.dm, cfg.LockTimeout, c.logger),
		interceptor.NewEntryWrapping(c.container, c.dm, cfg.Clock),
		dist,
	)

	persistent := c.persistence.Enabled()
	if persistent {
		list = append(list, interceptor.NewLoader(interceptor.LoaderConfig{
			Persistence:  c.persistence,
			Container:    c.container,
			Distribution: c.dm,
			Locks:        c.locks,
			LockTimeout:  cfg.LockTimeout,
			Passivation:  cfg.Passivation,
			Metrics:      c.metrics,
		}))
	}

	list = append(list, interceptor.NewVersioning(c.container, c.dm, nil))

	switch {
	case persistent && cfg.Passivation:
		list = append(list, interceptor.NewPassivation(c.persistence, c.container, c.dm, c.metrics, c.logger))
	case persistent:
		list = append(list, interceptor.NewWriter(c.persistence, c.dm, c.metrics, c.logger))
	default:
	}

	chain, err := interceptor.NewChain(interceptor.NewCall(c.container, cfg.Clock), list...)
	if err != nil {
		return nil, nil, err
	}

	return chain, dist, nil
}

// checkPassivation rejects passivation to a shared store on a clustered node. Only
// the primary owner writes shared stores, so a backup owner evicting its copy
// would have nowhere to put it.
func checkPassivation(cfg *Config, c collaborators) error {
	if !cfg.Passivation || c.dm == nil {
		return nil
	}

	for _, s := range c.persistence.Stores() {
		if s.Shared() {
			return ewrap.Wrapf(sentinel.ErrInvalidConfiguration,
				"passivation cannot use the shared store %q on a clustered node", s.Name())
		}
	}

	return nil
}

func nodeAttribute(id string) attribute.KeyValue { return attribute.String(attrs.AttrNode, id) }
