package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const daemonScopeName = "github.com/steveyegge/switchyard/daemon"

// Metrics bundles the coordination counters the daemon publishes. Domain
// events (registrations, claims, merges, suggestions, spend) are counted
// where the daemon dispatches them; the managers themselves stay
// instrumentation-free. All instruments come from the global meter, so
// with telemetry disabled every call hits the no-op provider.
type Metrics struct {
	tracer trace.Tracer

	ops  metric.Int64Counter
	dur  metric.Float64Histogram
	errs metric.Int64Counter

	sessions    metric.Int64Counter
	claims      metric.Int64Counter
	merges      metric.Int64Counter
	conflicts   metric.Int64Counter
	suggestions metric.Int64Counter
	applied     metric.Int64Counter
	cost        metric.Float64Counter
}

// NewMetrics registers the daemon's instruments against the global meter.
func NewMetrics() *Metrics {
	m := Meter(daemonScopeName)
	ops, _ := m.Int64Counter("sy.rpc.operations",
		metric.WithDescription("Total daemon operations handled"),
	)
	dur, _ := m.Float64Histogram("sy.rpc.operation.duration",
		metric.WithDescription("Daemon operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("sy.rpc.errors",
		metric.WithDescription("Total daemon operation errors"),
	)
	sessions, _ := m.Int64Counter("sy.sessions.registered",
		metric.WithDescription("Sessions registered"),
	)
	claims, _ := m.Int64Counter("sy.claims.requests",
		metric.WithDescription("File claim requests by outcome"),
	)
	merges, _ := m.Int64Counter("sy.merges.detected",
		metric.WithDescription("Merges observed by the watcher"),
	)
	conflicts, _ := m.Int64Counter("sy.conflicts.detected",
		metric.WithDescription("Conflicting files found by analysis, by type"),
	)
	suggestions, _ := m.Int64Counter("sy.suggestions.generated",
		metric.WithDescription("Auto-fix suggestions generated, by strategy"),
	)
	applied, _ := m.Int64Counter("sy.suggestions.applied",
		metric.WithDescription("Auto-fix suggestions applied, by strategy"),
	)
	cost, _ := m.Float64Counter("sy.sandbox.cost",
		metric.WithDescription("Accumulated sandbox spend"),
		metric.WithUnit("usd"),
	)
	return &Metrics{
		tracer:      Tracer(daemonScopeName),
		ops:         ops,
		dur:         dur,
		errs:        errs,
		sessions:    sessions,
		claims:      claims,
		merges:      merges,
		conflicts:   conflicts,
		suggestions: suggestions,
		applied:     applied,
		cost:        cost,
	}
}

// Op starts a span for the named daemon operation and counts it.
func (m *Metrics) Op(ctx context.Context, name string) (context.Context, trace.Span, time.Time) {
	attrs := attribute.String("rpc.operation", name)
	ctx, span := m.tracer.Start(ctx, "rpc."+name,
		trace.WithAttributes(attrs),
		trace.WithSpanKind(trace.SpanKindServer),
	)
	m.ops.Add(ctx, 1, metric.WithAttributes(attrs))
	return ctx, span, time.Now()
}

// Done ends the span, recording duration and optional error.
func (m *Metrics) Done(ctx context.Context, span trace.Span, name string, start time.Time, err error) {
	ms := float64(time.Since(start).Milliseconds())
	attrs := metric.WithAttributes(attribute.String("rpc.operation", name))
	m.dur.Record(ctx, ms, attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.errs.Add(ctx, 1, attrs)
	}
	span.End()
}

func (m *Metrics) SessionRegistered(ctx context.Context) {
	m.sessions.Add(ctx, 1)
}

func (m *Metrics) ClaimRequest(ctx context.Context, granted bool) {
	outcome := "granted"
	if !granted {
		outcome = "conflict"
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) MergeDetected(ctx context.Context) {
	m.merges.Add(ctx, 1)
}

func (m *Metrics) ConflictDetected(ctx context.Context, conflictType string) {
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", conflictType)))
}

func (m *Metrics) SuggestionsGenerated(ctx context.Context, strategy string, n int) {
	m.suggestions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *Metrics) SuggestionApplied(ctx context.Context, strategy string, auto bool) {
	m.applied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Bool("auto", auto),
	))
}

func (m *Metrics) SandboxCost(ctx context.Context, usd float64) {
	m.cost.Add(ctx, usd)
}
