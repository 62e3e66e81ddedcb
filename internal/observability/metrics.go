package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/identityplane/sessioncore/internal/config"
)

type appMetrics struct {
	sessionCreate   metric.Int64Counter
	sessionValidate metric.Int64Counter
	sessionRefresh  metric.Int64Counter
	sessionRevoke   metric.Int64Counter
	tokenReplay     metric.Int64Counter
	circuitChange   metric.Int64Counter
	storeOps        metric.Int64Counter
}

var (
	metricsMu sync.RWMutex
	metrics   *appMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("sessioncore")
	m := &appMetrics{}
	for _, c := range []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"session.create.attempts", &m.sessionCreate},
		{"session.validate.attempts", &m.sessionValidate},
		{"session.refresh.attempts", &m.sessionRefresh},
		{"session.revocations", &m.sessionRevoke},
		{"token.replays.detected", &m.tokenReplay},
		{"cache.circuit.transitions", &m.circuitChange},
		{"store.operations", &m.storeOps},
	} {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	metricsMu.Lock()
	metrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func current() *appMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics
}

func RecordSessionCreate(status string) {
	if m := current(); m != nil {
		m.sessionCreate.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordSessionValidate(outcome string) {
	if m := current(); m != nil {
		m.sessionValidate.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func RecordSessionRefresh(status string) {
	if m := current(); m != nil {
		m.sessionRefresh.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordSessionRevocation(scope string) {
	if m := current(); m != nil {
		m.sessionRevoke.Add(context.Background(), 1, metric.WithAttributes(attribute.String("scope", scope)))
	}
}

func RecordTokenReplay() {
	if m := current(); m != nil {
		m.tokenReplay.Add(context.Background(), 1)
	}
}

func RecordCircuitTransition(from, to string) {
	if m := current(); m != nil {
		m.circuitChange.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

func RecordStoreOperation(ctx context.Context, entity, op, outcome string) {
	if m := current(); m != nil {
		m.storeOps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
	}
}
