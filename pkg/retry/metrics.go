package retry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// Metrics records RetryExecutor's per-step counters via otel/metric
// (§4.5: "Metrics MUST record, per step: number of retry attempts,
// number of successes after retry, number of exhausted retries, most
// recent failure kind"). Grounded on nevindra-oasis's otel
// instrumentation stack, the only pack repo wiring a full
// go.opentelemetry.io/otel/metric setup.
type Metrics struct {
	attempts          metric.Int64Counter
	successAfterRetry metric.Int64Counter
	exhausted         metric.Int64Counter
	aborted           metric.Int64Counter

	mu              sync.Mutex
	lastFailureKind map[string]workflow.ErrorKind
}

// NewMetrics registers the retry instruments against meterProvider.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("driftkit-framework/retry")

	attempts, err := meter.Int64Counter("workflow.retry.attempts",
		metric.WithDescription("retry attempts per step"))
	if err != nil {
		return nil, err
	}
	successAfterRetry, err := meter.Int64Counter("workflow.retry.success_after_retry",
		metric.WithDescription("step succeeded after at least one retry"))
	if err != nil {
		return nil, err
	}
	exhausted, err := meter.Int64Counter("workflow.retry.exhausted",
		metric.WithDescription("retries exhausted without success"))
	if err != nil {
		return nil, err
	}
	aborted, err := meter.Int64Counter("workflow.retry.aborted",
		metric.WithDescription("retry aborted by an abortOn predicate match"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		attempts:          attempts,
		successAfterRetry: successAfterRetry,
		exhausted:         exhausted,
		aborted:           aborted,
		lastFailureKind:   make(map[string]workflow.ErrorKind),
	}, nil
}

func (m *Metrics) RecordAttempt(stepID string) {
	m.attempts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("step_id", stepID)))
}

func (m *Metrics) RecordSuccessAfterRetry(stepID string) {
	m.successAfterRetry.Add(context.Background(), 1, metric.WithAttributes(attribute.String("step_id", stepID)))
}

func (m *Metrics) recordFailureKind(stepID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFailureKind[stepID] = workflow.KindOf(err)
}

func (m *Metrics) RecordExhausted(stepID string, err error) {
	m.recordFailureKind(stepID, err)
	m.exhausted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("step_id", stepID)))
}

func (m *Metrics) RecordAborted(stepID string, err error) {
	m.recordFailureKind(stepID, err)
	m.aborted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("step_id", stepID)))
}

// LastFailureKind returns the most recent failure kind recorded for
// stepID, or "" if none.
func (m *Metrics) LastFailureKind(stepID string) workflow.ErrorKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailureKind[stepID]
}
