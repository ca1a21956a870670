package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/petalpost/api/internal/payments"
	"github.com/petalpost/api/internal/services"
)

const metricNamespace = "github.com/petalpost/api/internal/payments/completion"

// CompletionMetrics records completion outcomes and gateway latency through OpenTelemetry.
type CompletionMetrics struct {
	outcomes       metric.Int64Counter
	gatewayLatency metric.Float64Histogram
}

var _ services.CompletionMetrics = (*CompletionMetrics)(nil)

// NewCompletionMetrics registers instruments on meter, or on the global provider when nil.
// Instruments that fail to register are skipped.
func NewCompletionMetrics(meter metric.Meter, logger *zap.Logger) *CompletionMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &CompletionMetrics{}

	outcomes, err := meter.Int64Counter(
		"payments.completion.outcomes",
		metric.WithDescription("Payment completion attempts by outcome code and trigger"),
	)
	if err != nil {
		logger.Warn("metrics: unable to register completion counter", zap.Error(err))
	} else {
		m.outcomes = outcomes
	}

	latency, err := meter.Float64Histogram(
		"payments.gateway.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of gateway verification calls"),
	)
	if err != nil {
		logger.Warn("metrics: unable to register gateway latency histogram", zap.Error(err))
	} else {
		m.gatewayLatency = latency
	}
	return m
}

// RecordCompletion counts one completion attempt.
func (m *CompletionMetrics) RecordCompletion(ctx context.Context, trigger string, result services.CompletionResult, _ time.Duration) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcomeLabel(result)),
		attribute.String("trigger", trigger),
		attribute.Bool("already_completed", result.AlreadyCompleted),
	))
}

// RecordGatewayCall records the latency of one verification call.
func (m *CompletionMetrics) RecordGatewayCall(ctx context.Context, provider string, duration time.Duration, err error) {
	if m == nil || m.gatewayLatency == nil {
		return
	}
	m.gatewayLatency.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", gatewayResultLabel(err)),
	))
}

func outcomeLabel(result services.CompletionResult) string {
	if result.Success {
		return "CONFIRMED"
	}
	if result.Code == "" {
		return "UNKNOWN"
	}
	return string(result.Code)
}

func gatewayResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return "unsupported"
	case errors.Is(err, payments.ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

