package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/stepexec"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// RetryExecutor wraps StepExecutor with circuit-breaking, invocation
// limits, and retry/backoff (§4.5). The exponential curve itself is
// delegated to cenkalti/backoff/v4 (an indirect dependency of the
// teacher's own go.mod), configured from the step's RetryPolicy with
// the library's own randomization turned off; jitter is applied on top
// as a factor drawn from [1, 1+JitterFactor).
type RetryExecutor struct {
	exec        *stepexec.StepExecutor
	breaker     *CircuitBreaker
	broadcaster *workflow.Broadcaster
	metrics     *Metrics
	log         *zap.Logger
}

// New builds a RetryExecutor. broadcaster/metrics may be nil (a nil
// broadcaster behaves as "no listeners"; a nil metrics as "no-op").
func New(exec *stepexec.StepExecutor, breaker *CircuitBreaker, broadcaster *workflow.Broadcaster, metrics *Metrics, log *zap.Logger) *RetryExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	if broadcaster == nil {
		broadcaster = workflow.NewBroadcaster(log)
	}
	return &RetryExecutor{exec: exec, breaker: breaker, broadcaster: broadcaster, metrics: metrics, log: log}
}

func newBackoff(policy workflow.RetryPolicy) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(policy.InitialDelayMs) * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          policy.BackoffMultiplier,
		MaxInterval:         time.Duration(policy.MaxDelayMs) * time.Millisecond,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Execute runs the full §4.5 pipeline for step within instance.
func (r *RetryExecutor) Execute(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode) (workflow.StepResult, error) {
	if !r.breaker.AllowExecution(step.ID, step.CircuitBreaker) {
		return nil, workflow.NewStepError(workflow.ErrCircuitBreakerOpen, step.ID, "circuit breaker open", nil)
	}

	count := instance.Context.IncrementExecCount(step.ID)
	if step.InvocationLimit > 0 && count > step.InvocationLimit {
		switch step.OnInvocationsLimit {
		case graph.OnLimitError:
			return nil, workflow.NewStepError(workflow.ErrInvocationLimit, step.ID, "invocation limit exceeded", nil)
		case graph.OnLimitStop:
			return &workflow.Finish{Result: nil}, nil
		case graph.OnLimitContinue:
			r.log.Warn("step invocation limit exceeded, continuing",
				zap.String("stepId", step.ID), zap.Int("count", count), zap.Int("limit", step.InvocationLimit))
		}
	}

	policy := step.RetryPolicy
	if policy == nil || policy.MaxAttempts <= 1 {
		return r.runOnce(ctx, g, instance, step)
	}
	return r.runWithRetries(ctx, g, instance, step, *policy)
}

func (r *RetryExecutor) runOnce(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode) (workflow.StepResult, error) {
	result, err := r.exec.Execute(ctx, g, instance, step)
	if err != nil {
		r.breaker.RecordFailure(step.ID)
		return nil, err
	}
	r.breaker.RecordSuccess(step.ID)
	return result, nil
}

func (r *RetryExecutor) runWithRetries(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode, policy workflow.RetryPolicy) (workflow.StepResult, error) {
	bo := newBackoff(policy)
	rc := instance.Context.RetryContextFor(step.ID, policy.MaxAttempts)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		rc.AttemptNumber = attempt
		if r.metrics != nil {
			r.metrics.RecordAttempt(step.ID)
		}
		if attempt > 1 {
			r.broadcaster.Each(func(l workflow.Listener) { l.BeforeRetry(instance.InstanceID, step.ID, attempt) })
		}

		attemptStart := time.Now()
		result, err := r.exec.Execute(ctx, g, instance, step)
		if err == nil {
			if fail, ok := result.(*workflow.Fail); ok && policy.RetryOnFailResult {
				err = fail.Err
			}
		}

		if err == nil {
			if attempt > 1 {
				r.broadcaster.Each(func(l workflow.Listener) { l.OnRetrySuccess(instance.InstanceID, step.ID, attempt) })
				if r.metrics != nil {
					r.metrics.RecordSuccessAfterRetry(step.ID)
				}
			}
			r.breaker.RecordSuccess(step.ID)
			instance.Context.ResetRetryContext(step.ID)
			return result, nil
		}

		r.breaker.RecordFailure(step.ID)
		rc.PriorAttempts = append(rc.PriorAttempts, workflow.AttemptRecord{
			TimestampMs: attemptStart.UnixMilli(),
			DurationMs:  time.Since(attemptStart).Milliseconds(),
			Failure:     err,
		})

		if !policy.ShouldRetry(err) {
			r.broadcaster.Each(func(l workflow.Listener) { l.OnRetryAborted(instance.InstanceID, step.ID, err) })
			if r.metrics != nil {
				r.metrics.RecordAborted(step.ID, err)
			}
			return nil, err
		}

		willRetry := attempt < policy.MaxAttempts
		r.broadcaster.Each(func(l workflow.Listener) { l.OnRetryFailure(instance.InstanceID, step.ID, attempt, err, willRetry) })
		if !willRetry {
			r.broadcaster.Each(func(l workflow.Listener) { l.OnRetryExhausted(instance.InstanceID, step.ID, err) })
			if r.metrics != nil {
				r.metrics.RecordExhausted(step.ID, err)
			}
			return nil, err
		}

		delay := bo.NextBackOff()
		if policy.JitterFactor > 0 {
			delay = time.Duration(float64(delay) * (1 + policy.JitterFactor*rand.Float64()))
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, workflow.NewStepError(workflow.ErrCancellation, step.ID, "retry sleep cancelled", ctx.Err())
		}
	}
	return nil, workflow.NewStepError(workflow.ErrRetryableFailure, step.ID, "retry loop exited without a terminal result", nil)
}
