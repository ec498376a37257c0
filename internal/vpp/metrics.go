package vpp

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName identifies the licensing client instrumentation scope.
const MeterName = "vpp-client"

// Metrics holds the licensing client OpenTelemetry metrics.
type Metrics struct {
	Requests       metric.Int64Counter
	Retries        metric.Int64Counter
	TokenRefreshes metric.Int64Counter
}

// InitializeMetrics creates the licensing client metrics on the meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Requests, err = meter.Int64Counter("vpp_api_requests_total",
		metric.WithDescription("Total licensing API requests issued"))
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	m.Retries, err = meter.Int64Counter("vpp_api_retries_total",
		metric.WithDescription("Total licensing API retry attempts"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	m.TokenRefreshes, err = meter.Int64Counter("vpp_token_refreshes_total",
		metric.WithDescription("Total transparent bearer token refreshes"))
	if err != nil {
		return nil, fmt.Errorf("failed to create token refreshes counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordRequest(ctx context.Context, path string) {
	if m == nil || m.Requests == nil {
		return
	}
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

func (m *Metrics) recordRetry(ctx context.Context, path string) {
	if m == nil || m.Retries == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

func (m *Metrics) recordTokenRefresh(ctx context.Context) {
	if m == nil || m.TokenRefreshes == nil {
		return
	}
	m.TokenRefreshes.Add(ctx, 1)
}
