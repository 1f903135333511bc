package interceptor

import (
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Stats counts hits, misses and successful writes of locally issued commands.
type Stats struct {
	Base

	metrics *Metrics
}

// NewStats builds a Stats interceptor recording into m.
func NewStats(m *Metrics) *Stats { return &Stats{metrics: orNewMetrics(m)} }

// Metrics returns the counters.
func (s *Stats) Metrics() *Metrics { return s.metrics }

// HandleCommand implements CommandHandler.
func (s *Stats) HandleCommand(ctx *invocation.Context, cmd commands.Command, next Next) *stage.Stage {
	st := next.Invoke(ctx, cmd)
	if cmd.Flags().Has(commands.SkipStatistics) || !ctx.IsOriginLocal() {
		return st
	}

	return st.ThenAccept(func(v any) { s.record(cmd, v) })
}

func (s *Stats) record(cmd commands.Command, v any) {
	m := s.metrics

	switch c := cmd.(type) {
	case *commands.GetCommand:
		if v != nil {
			m.Hits.Inc()
		} else {
			m.Misses.Inc()
		}
	case *commands.GetAllCommand:
		found, _ := v.(map[string]any)
		m.Hits.Add(len(found))
		m.Misses.Add(len(c.Keys) - len(found))
	case *commands.PutCommand, *commands.ReplaceCommand:
		if c.(commands.WriteCommand).IsSuccessful() {
			m.Stores.Inc()
		}
	case *commands.PutAllCommand:
		if c.IsSuccessful() {
			m.Stores.Add(len(c.Entries))
		}
	case *commands.RemoveCommand:
		if c.IsSuccessful() {
			m.Removes.Inc()
		}
	case *commands.EvictCommand:
		if c.IsSuccessful() {
			m.Evictions.Inc()
		}
	}
}
