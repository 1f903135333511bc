package transport

import (
	"context"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/stage"
	"github.com/hyp3rd/hypergrid/pkg/workerpool"
)

// Registry connects members living in the same process.
type Registry struct {
	handlers *xsync.MapOf[cluster.NodeID, Handler]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: xsync.NewMapOf[cluster.NodeID, Handler]()}
}

// Register adds or replaces the handler of id.
func (r *Registry) Register(id cluster.NodeID, h Handler) {
	if h != nil {
		r.handlers.Store(id, h)
	}
}

// Unregister removes id (simulates a crashed member in tests).
func (r *Registry) Unregister(id cluster.NodeID) { r.handlers.Delete(id) }

// Nodes lists registered members, sorted.
func (r *Registry) Nodes() []cluster.NodeID {
	out := make([]cluster.NodeID, 0, r.handlers.Size())

	r.handlers.Range(func(id cluster.NodeID, _ Handler) bool {
		out = append(out, id)

		return true
	})

	slices.Sort(out)

	return out
}

// InProcess is the transport of one member over a Registry.
type InProcess struct {
	local    cluster.NodeID
	registry *Registry
	pool     *workerpool.Pool
}

// NewInProcess binds a transport for local. Async invocations run on pool; a nil
// pool runs them on their own goroutine.
func NewInProcess(local cluster.NodeID, registry *Registry, pool *workerpool.Pool) *InProcess {
	return &InProcess{local: local, registry: registry, pool: pool}
}

// Invoke delivers a private copy of cmd to each target on its own goroutine.
func (t *InProcess) Invoke(ctx context.Context, targets []cluster.NodeID, cmd commands.Command, mode Mode) *stage.Stage {
	if len(targets) == 0 {
		return stage.Completed(Responses{})
	}

	if mode == Async {
		for _, target := range targets {
			t.async(ctx, target, cmd.Clone())
		}

		return stage.Completed(Responses{})
	}

	stages := make([]*stage.Stage, len(targets))
	for i, target := range targets {
		stages[i] = t.send(ctx, target, cmd.Clone())
	}

	return gather(targets, stages)
}

func (t *InProcess) send(ctx context.Context, target cluster.NodeID, cmd commands.Command) *stage.Stage {
	h, ok := t.registry.handlers.Load(target)
	if !ok {
		return stage.Failed(remote(target, sentinel.ErrNodeNotFound))
	}

	st := stage.New()

	go func() {
		resp, err := h.HandleRemote(ctx, t.local, cmd)
		if err != nil {
			st.Complete(nil, remote(target, err))

			return
		}

		st.Complete(resp, nil)
	}()

	return st
}

func (t *InProcess) async(ctx context.Context, target cluster.NodeID, cmd commands.Command) {
	h, ok := t.registry.handlers.Load(target)
	if !ok {
		return
	}

	job := func() error {
		_, err := h.HandleRemote(context.WithoutCancel(ctx), t.local, cmd)
		if err != nil {
			return remote(target, err)
		}

		return nil
	}

	if t.pool == nil || t.pool.Submit(job) != nil {
		go func() { _ = job() }()
	}
}
