package interceptor

import (
	"github.com/hyp3rd/hypergrid/internal/logging"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

// Guard is the outermost interceptor. It is the only place a failure may turn into a
// nil result: when the command carries FailSilently or the node is stopping.
type Guard struct {
	Base

	logger   logging.Logger
	stopping func() bool
}

// NewGuard builds a Guard. stopping may be nil.
func NewGuard(logger logging.Logger, stopping func() bool) *Guard {
	return &Guard{logger: logging.OrNop(logger), stopping: stopping}
}

// HandleCommand implements CommandHandler.
func (g *Guard) HandleCommand(ctx *invocation.Context, cmd commands.Command, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).Exceptionally(func(err error) (any, error) {
		silent := cmd.Flags().Has(commands.FailSilently)
		if !silent && (g.stopping == nil || !g.stopping()) {
			return nil, err
		}

		g.logger.Debug("command failure suppressed", logging.Fields{
			"command": cmd.Kind().String(), "silent": silent, "error": err.Error(),
		})

		if wc, ok := cmd.(commands.WriteCommand); ok {
			wc.Fail()
		}

		return nil, nil
	})
}
