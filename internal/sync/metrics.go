package sync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const MeterName = "vlsync"

// Metrics holds the reconciliation OpenTelemetry metrics. A nil Metrics is
// valid and records nothing.
type Metrics struct {
	SyncRuns        metric.Int64Counter
	SyncDuration    metric.Float64Histogram
	EventsEmitted   metric.Int64Counter
	FallbackResyncs metric.Int64Counter
	Associations    metric.Int64Counter
	InstallsQueued  metric.Int64Counter
}

// InitializeMetrics creates the reconciliation metrics on the meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	metrics := &Metrics{}

	var err error

	metrics.SyncRuns, err = meter.Int64Counter(
		"vlsync_sync_runs_total",
		metric.WithDescription("Total number of asset sync runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync runs counter: %w", err)
	}

	metrics.SyncDuration, err = meter.Float64Histogram(
		"vlsync_sync_duration_seconds",
		metric.WithDescription("Asset sync duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync duration histogram: %w", err)
	}

	metrics.EventsEmitted, err = meter.Int64Counter(
		"vlsync_events_emitted_total",
		metric.WithDescription("Total number of domain events emitted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events emitted counter: %w", err)
	}

	metrics.FallbackResyncs, err = meter.Int64Counter(
		"vlsync_fallback_resyncs_total",
		metric.WithDescription("Total number of single-asset resyncs triggered by invalid or missing local state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback resyncs counter: %w", err)
	}

	metrics.Associations, err = meter.Int64Counter(
		"vlsync_association_requests_total",
		metric.WithDescription("Total number of on-the-fly association requests issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create association requests counter: %w", err)
	}

	metrics.InstallsQueued, err = meter.Int64Counter(
		"vlsync_installs_queued_total",
		metric.WithDescription("Total number of install commands queued after confirmed assignments"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create installs queued counter: %w", err)
	}

	return metrics, nil
}

func (m *Metrics) recordEvents(ctx context.Context, events []Event) {
	if m == nil || len(events) == 0 {
		return
	}
	for _, event := range events {
		m.EventsEmitted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(event.Type)),
		))
	}
}

func (m *Metrics) recordSyncRun(ctx context.Context, locationID string, seconds float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("location_id", locationID),
		attribute.Bool("success", err == nil),
	)
	m.SyncRuns.Add(ctx, 1, attrs)
	m.SyncDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) recordFallbackResync(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.FallbackResyncs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *Metrics) recordAssociationRequest(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.Associations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

func (m *Metrics) recordInstallQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.InstallsQueued.Add(ctx, 1)
}
