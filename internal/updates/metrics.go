package updates

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// MeterName identifies the update catalog instrumentation scope.
const MeterName = "updates"

// Metrics holds the update catalog OpenTelemetry metrics.
type Metrics struct {
	CatalogSyncs metric.Int64Counter
	CatalogSize  metric.Int64Histogram
}

// InitializeMetrics creates the update catalog metrics on the meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CatalogSyncs, err = meter.Int64Counter("update_catalog_syncs_total",
		metric.WithDescription("Total update catalog sync runs"))
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog syncs counter: %w", err)
	}

	m.CatalogSize, err = meter.Int64Histogram("update_catalog_size",
		metric.WithDescription("Number of updates stored per catalog sync"))
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog size histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordSync(ctx context.Context, size int) {
	if m == nil {
		return
	}
	if m.CatalogSyncs != nil {
		m.CatalogSyncs.Add(ctx, 1)
	}
	if m.CatalogSize != nil {
		m.CatalogSize.Record(ctx, int64(size))
	}
}
