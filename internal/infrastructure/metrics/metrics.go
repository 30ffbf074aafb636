// Package metrics exports transaction metrics to Prometheus through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"localtx/internal/core/apperror"
	"localtx/internal/core/tx"
)

const meterName = "localtx"

var _ tx.Observer = (*Service)(nil)

// Service owns the meter provider and implements tx.Observer.
type Service struct {
	provider *sdkmetric.MeterProvider
	registry *prom.Registry

	begun      metric.Int64Counter
	committed  metric.Int64Counter
	rolledBack metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates the service. When disabled, instruments are no-ops and Handler
// answers 503.
func New(enabled bool) (*Service, error) {
	if !enabled {
		return newService(noop.NewMeterProvider().Meter(meterName), nil, nil)
	}

	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("initialize prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return newService(provider.Meter(meterName), provider, registry)
}

func newService(meter metric.Meter, provider *sdkmetric.MeterProvider, registry *prom.Registry) (*Service, error) {
	s := &Service{provider: provider, registry: registry}
	var err error
	if s.begun, err = meter.Int64Counter("tx.begun",
		metric.WithDescription("Transactions begun")); err != nil {
		return nil, err
	}
	if s.committed, err = meter.Int64Counter("tx.committed",
		metric.WithDescription("Transactions committed")); err != nil {
		return nil, err
	}
	if s.rolledBack, err = meter.Int64Counter("tx.rolled_back",
		metric.WithDescription("Transactions rolled back, by cause")); err != nil {
		return nil, err
	}
	if s.duration, err = meter.Float64Histogram("tx.duration",
		metric.WithDescription("Time from begin to completion"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) TransactionBegun(ctx context.Context, manager string, def tx.Definition) {
	s.begun.Add(ctx, 1, metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("propagation", def.Propagation.String()),
		attribute.Bool("read_only", def.ReadOnly),
	))
}

func (s *Service) TransactionCommitted(ctx context.Context, manager string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("manager", manager))
	s.committed.Add(ctx, 1, attrs)
	s.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("outcome", "commit"),
	))
}

func (s *Service) TransactionRolledBack(ctx context.Context, manager string, elapsed time.Duration, cause error) {
	reason := "requested"
	if cause != nil {
		reason = apperror.CodeOf(cause)
		if reason == "" {
			reason = "error"
		}
	}
	s.rolledBack.Add(ctx, 1, metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("cause", reason),
	))
	s.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("manager", manager),
		attribute.String("outcome", "rollback"),
	))
}

// Handler serves the /metrics endpoint.
func (s *Service) Handler() http.Handler {
	if s.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry, nil when disabled.
func (s *Service) Registry() *prom.Registry { return s.registry }

func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}
