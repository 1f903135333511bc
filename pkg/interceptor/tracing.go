package interceptor

import (
	"time"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/stage"
)

const instrumentationName = "github.com/hyp3rd/hypergrid"

// Tracing wraps every command in an OpenTelemetry span and records a call counter
// and a duration histogram.
type Tracing struct {
	Base

	tracer    trace.Tracer
	calls     metric.Int64Counter
	durations metric.Float64Histogram
	common    []attribute.KeyValue
}

// TracingOption configures Tracing.
type TracingOption func(*Tracing)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) TracingOption {
	return func(t *Tracing) { t.common = append(t.common, attributes...) }
}

// NewTracing builds the interceptor. Nil tracer or meter fall back to the global
// providers.
func NewTracing(tracer trace.Tracer, meter metric.Meter, opts ...TracingOption) (*Tracing, error) {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	calls, err := meter.Int64Counter("hypergrid.calls")
	if err != nil {
		return nil, ewrap.Wrap(err, "create counter")
	}

	durations, err := meter.Float64Histogram("hypergrid.duration.ms")
	if err != nil {
		return nil, ewrap.Wrap(err, "create histogram")
	}

	t := &Tracing{tracer: tracer, calls: calls, durations: durations}
	for _, o := range opts {
		o(t)
	}

	return t, nil
}

// HandleCommand implements CommandHandler.
func (t *Tracing) HandleCommand(ctx *invocation.Context, cmd commands.Command, next Next) *stage.Stage {
	start := time.Now()
	goctx := goContext(ctx)

	base := t.attributes(ctx, cmd)
	_, span := t.tracer.Start(goctx, "hypergrid."+cmd.Kind().String(), trace.WithAttributes(base...))

	return next.Invoke(ctx, cmd).AndFinally(func(_ any, err error) error {
		outcome := "ok"
		if err != nil {
			outcome = sentinel.Code(err)
			if outcome == "" {
				outcome = "error"
			}

			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.SetAttributes(attribute.String(attrs.AttrOutcome, outcome))
		span.End()

		recorded := append(base, attribute.String(attrs.AttrOutcome, outcome))
		t.calls.Add(goctx, 1, metric.WithAttributes(recorded...))
		t.durations.Record(goctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(recorded...))

		return nil
	})
}

func (t *Tracing) attributes(ctx *invocation.Context, cmd commands.Command) []attribute.KeyValue {
	origin := "local"
	if !ctx.IsOriginLocal() {
		origin = ctx.Origin()
	}

	out := make([]attribute.KeyValue, 0, len(t.common)+5)
	out = append(out, t.common...)
	out = append(out,
		attribute.String(attrs.AttrCommand, cmd.Kind().String()),
		attribute.String(attrs.AttrOrigin, origin),
		attribute.Bool(attrs.AttrTransactional, ctx.IsInTx()),
		attribute.String(attrs.AttrFlags, cmd.Flags().String()),
	)

	switch c := cmd.(type) {
	case commands.KeyCommand:
		out = append(out, attribute.Int(attrs.AttrKeyLength, len(c.Key())))
	case commands.WriteCommand:
		out = append(out, attribute.Int(attrs.AttrKeysCount, len(c.AffectedKeys())))
	case *commands.GetAllCommand:
		out = append(out, attribute.Int(attrs.AttrKeysCount, len(c.Keys)))
	}

	return out
}
