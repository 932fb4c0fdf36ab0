// Package observe provides application-wide observability primitives for the
// memory engine: OpenTelemetry metrics, distributed tracing, trace-correlated
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. Tests should use [NewMetrics] with a
// [sdkmetric.ManualReader]-backed provider to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/aimemory"

// Status attribute values used across instruments.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// --- Gateways ---

	// GatewayDuration tracks embedding and completion call latency. Attributes:
	//   gateway (embed|summarize), status
	GatewayDuration metric.Float64Histogram

	// GatewayErrors counts classified gateway failures. Attributes:
	//   gateway, kind (unavailable|timeout|rejected)
	GatewayErrors metric.Int64Counter

	// --- Ingestion and hierarchy ---

	// TurnsIngested counts recorded turns. Attributes: role, status
	TurnsIngested metric.Int64Counter

	// Summaries counts parent summary attempts. Attributes: level, status
	Summaries metric.Int64Counter

	// EmbeddingsComputed counts node embeddings written. Attributes:
	//   path (ingest|backfill), status
	EmbeddingsComputed metric.Int64Counter

	// OpenGroupMembers tracks nodes waiting in open groups across all users.
	OpenGroupMembers metric.Int64UpDownCounter

	// --- Maintenance ---

	// NodesDecayed counts score decrements applied by decay sweeps.
	NodesDecayed metric.Int64Counter

	// NodesPruned counts evictions. Attributes: reason (threshold|capacity), status
	NodesPruned metric.Int64Counter

	// Repairs counts graph repairs made by reconciliation. Attributes: kind
	Repairs metric.Int64Counter

	// MaintenanceDuration tracks the duration of one full maintenance run.
	MaintenanceDuration metric.Float64Histogram

	// --- Retrieval ---

	// RetrievalDuration tracks end-to-end retrieval latency. Attributes: mode
	// (hybrid|lexical)
	RetrievalDuration metric.Float64Histogram

	// RetrievalDegraded counts queries answered without a query embedding.
	RetrievalDegraded metric.Int64Counter

	// Reinforcements counts importance reinforcements. Attributes: status
	Reinforcements metric.Int64Counter

	// --- Events ---

	// EventsDropped counts events that never reached a sink. Attributes: sink
	EventsDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, path
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.GatewayDuration, err = histogram("aimemory.gateway.duration",
		"Latency of embedding and completion gateway calls."); err != nil {
		return nil, err
	}
	if met.MaintenanceDuration, err = histogram("aimemory.maintenance.duration",
		"Duration of a full maintenance run across all users."); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = histogram("aimemory.retrieval.duration",
		"End-to-end retrieval latency."); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("aimemory.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.GatewayErrors, "aimemory.gateway.errors", "Classified gateway failures by gateway and kind."},
		{&met.TurnsIngested, "aimemory.turns.ingested", "Conversation turns recorded by role and status."},
		{&met.Summaries, "aimemory.summaries", "Parent summary attempts by level and status."},
		{&met.EmbeddingsComputed, "aimemory.embeddings.computed", "Node embeddings written by path and status."},
		{&met.NodesDecayed, "aimemory.nodes.decayed", "Importance decrements applied by decay sweeps."},
		{&met.NodesPruned, "aimemory.nodes.pruned", "Node evictions by reason and status."},
		{&met.Repairs, "aimemory.reconcile.repairs", "Graph repairs made by reconciliation by kind."},
		{&met.RetrievalDegraded, "aimemory.retrieval.degraded", "Queries answered lexical-only."},
		{&met.Reinforcements, "aimemory.reinforcements", "Importance reinforcements by status."},
		{&met.EventsDropped, "aimemory.events.dropped", "Events that were not delivered by sink."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.OpenGroupMembers, err = m.Int64UpDownCounter("aimemory.open_group.members",
		metric.WithDescription("Nodes waiting in open groups for summarisation."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps err to StatusOK or StatusError.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordGatewayCall records latency for one gateway call.
func (m *Metrics) RecordGatewayCall(ctx context.Context, gateway string, d time.Duration, err error) {
	m.GatewayDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("status", Status(err)),
	))
}

// RecordGatewayError counts a classified gateway failure.
func (m *Metrics) RecordGatewayError(ctx context.Context, gateway, kind string) {
	m.GatewayErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("kind", kind),
	))
}

// RecordTurn counts an ingested turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string, err error) {
	m.TurnsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", Status(err)),
	))
}

// RecordSummary counts a summary attempt for a parent at level.
func (m *Metrics) RecordSummary(ctx context.Context, level int, err error) {
	m.Summaries.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("level", level),
		attribute.String("status", Status(err)),
	))
}

// RecordEmbedding counts n embeddings written via path.
func (m *Metrics) RecordEmbedding(ctx context.Context, path string, n int, err error) {
	m.EmbeddingsComputed.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("status", Status(err)),
	))
}

// RecordPrune counts one eviction attempt.
func (m *Metrics) RecordPrune(ctx context.Context, reason string, err error) {
	m.NodesPruned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("status", Status(err)),
	))
}

// RecordRepair counts n repairs of the given kind.
func (m *Metrics) RecordRepair(ctx context.Context, kind string, n int) {
	if n == 0 {
		return
	}
	m.Repairs.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRetrieval records retrieval latency and counts degraded queries.
func (m *Metrics) RecordRetrieval(ctx context.Context, d time.Duration, degraded bool) {
	mode := "hybrid"
	if degraded {
		mode = "lexical"
		m.RetrievalDegraded.Add(ctx, 1)
	}
	m.RetrievalDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordReinforcement counts one reinforcement.
func (m *Metrics) RecordReinforcement(ctx context.Context, err error) {
	m.Reinforcements.Add(ctx, 1, metric.WithAttributes(attribute.String("status", Status(err))))
}

// RecordEventDropped counts one undelivered event.
func (m *Metrics) RecordEventDropped(ctx context.Context, sink string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// RecordMaintenance records the duration of one maintenance cycle.
func (m *Metrics) RecordMaintenance(ctx context.Context, d time.Duration, err error) {
	m.MaintenanceDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", Status(err))))
}
