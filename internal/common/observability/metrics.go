package observability

import (
	"context"
	"time"

	"application-lifecycle/internal/common/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Observability owns the OpenTelemetry meter and, when enabled, the tracer
// provider of the process.
type Observability struct {
	meterProvider  *metric.MeterProvider
	meter          otelmetric.Meter
	jobCounter     otelmetric.Int64Counter
	jobDuration    otelmetric.Float64Histogram
	engineCounter  otelmetric.Int64Counter
	tracerShutdown func(context.Context) error
}

// New registers the OpenTelemetry meters on the Prometheus exporter. If the
// exporter cannot be created every recorder becomes a no-op.
func New(serviceName string, log logger.Logger) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Error("failed to create prometheus exporter, otel metrics disabled", map[string]interface{}{
			"error": err.Error(),
		})
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	jobCounter, _ := meter.Int64Counter(
		"lifecycle.jobs.processed",
		otelmetric.WithDescription("Zeebe jobs handled by task type"),
	)

	jobDuration, _ := meter.Float64Histogram(
		"lifecycle.jobs.duration",
		otelmetric.WithDescription("Zeebe job handling duration"),
		otelmetric.WithUnit("ms"),
	)

	engineCounter, _ := meter.Int64Counter(
		"lifecycle.operations",
		otelmetric.WithDescription("Lifecycle engine operations by name and result"),
	)

	return &Observability{
		meterProvider: provider,
		meter:         meter,
		jobCounter:    jobCounter,
		jobDuration:   jobDuration,
		engineCounter: engineCounter,
	}
}

// RecordJob counts one handled job of taskType and its duration.
func (o *Observability) RecordJob(ctx context.Context, taskType string, duration time.Duration) {
	attrs := otelmetric.WithAttributes(attribute.String("task_type", taskType))
	if o.jobCounter != nil {
		o.jobCounter.Add(ctx, 1, attrs)
	}
	if o.jobDuration != nil {
		o.jobDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

// RecordOperation counts one engine operation.
func (o *Observability) RecordOperation(ctx context.Context, operation, result string) {
	if o.engineCounter != nil {
		o.engineCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("result", result),
		))
	}
}

func (o *Observability) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
	if o.tracerShutdown != nil {
		_ = o.tracerShutdown(ctx)
	}
}
