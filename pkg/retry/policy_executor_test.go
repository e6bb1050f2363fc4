package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/stepexec"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

type retryInput struct{ N int }
type retryOutput struct{ N int }

func buildRetryGraph(t *testing.T, opts ...graph.StepOption) (*graph.Graph, *graph.StepNode) {
	t.Helper()
	b := graph.NewBuilder("retry-graph", "v1")
	b.Step("flaky", func(in retryInput, ctx *workflow.WorkflowContext) (retryOutput, error) {
		return retryOutput{N: in.N}, nil
	}, append([]graph.StepOption{graph.AsInitial()}, opts...)...)
	g, err := b.Build()
	require.NoError(t, err)
	step, _ := g.Step("flaky")
	return g, step
}

func newTestInstance(g *graph.Graph) *workflow.WorkflowInstance {
	registry := workflow.NewTypeRegistry()
	registry.Register("retryInput", retryInput{})
	trigger, _ := workflow.Of(retryInput{N: 1}, registry, workflow.NewJSONConverter())
	return workflow.NewWorkflowInstance("i1", g.ID, g.Version, g.InitialStepID(), trigger, 0)
}

func TestRetryExecutorSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	b := graph.NewBuilder("g", "v1")
	b.Step("flaky", func(in retryInput, ctx *workflow.WorkflowContext) (retryOutput, error) {
		attempts++
		if attempts < 3 {
			return retryOutput{}, errors.New("transient")
		}
		return retryOutput{N: 99}, nil
	}, graph.AsInitial(), graph.WithRetryPolicy(workflow.RetryPolicy{
		MaxAttempts: 5, InitialDelayMs: 1, BackoffMultiplier: 1, MaxDelayMs: 5, JitterFactor: 0,
	}))
	g, err := b.Build()
	require.NoError(t, err)
	step, _ := g.Step("flaky")
	instance := newTestInstance(g)

	exec := stepexec.New(nil, nil, nil)
	re := New(exec, NewCircuitBreaker(workflow.CircuitBreakerConfig{FailureThreshold: 1000, SuccessThreshold: 1, OpenDurationMs: 1, HalfOpenDurationMs: 1, HalfOpenMaxAttempts: 1}), nil, nil, nil)

	result, err := re.Execute(context.Background(), g, instance, step)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	cont, ok := result.(*workflow.Continue)
	require.True(t, ok)
	assert.Equal(t, retryOutput{N: 99}, cont.Data)
}

func TestRetryExecutorExhaustsRetriesAndReturnsError(t *testing.T) {
	boom := errors.New("always fails")
	b := graph.NewBuilder("g", "v1")
	b.Step("flaky", func(in retryInput, ctx *workflow.WorkflowContext) (retryOutput, error) {
		return retryOutput{}, boom
	}, graph.AsInitial(), graph.WithRetryPolicy(workflow.RetryPolicy{
		MaxAttempts: 3, InitialDelayMs: 1, BackoffMultiplier: 1, MaxDelayMs: 2, JitterFactor: 0,
	}))
	g, err := b.Build()
	require.NoError(t, err)
	step, _ := g.Step("flaky")
	instance := newTestInstance(g)

	exec := stepexec.New(nil, nil, nil)
	re := New(exec, NewCircuitBreaker(workflow.CircuitBreakerConfig{FailureThreshold: 1000, SuccessThreshold: 1, OpenDurationMs: 1, HalfOpenDurationMs: 1, HalfOpenMaxAttempts: 1}), nil, nil, nil)

	_, err = re.Execute(context.Background(), g, instance, step)
	assert.ErrorIs(t, err, boom)
}

func TestRetryExecutorAbortsWithoutExhaustingAttempts(t *testing.T) {
	attempts := 0
	abortErr := workflow.NewStepError(workflow.ErrTypeMismatch, "flaky", "bad input shape", nil)
	b := graph.NewBuilder("g", "v1")
	b.Step("flaky", func(in retryInput, ctx *workflow.WorkflowContext) (retryOutput, error) {
		attempts++
		return retryOutput{}, abortErr
	}, graph.AsInitial(), graph.WithRetryPolicy(workflow.RetryPolicy{
		MaxAttempts: 5, InitialDelayMs: 1, BackoffMultiplier: 1, MaxDelayMs: 2,
		AbortOn: map[workflow.ErrorKind]bool{workflow.ErrTypeMismatch: true},
	}))
	g, err := b.Build()
	require.NoError(t, err)
	step, _ := g.Step("flaky")
	instance := newTestInstance(g)

	exec := stepexec.New(nil, nil, nil)
	re := New(exec, NewCircuitBreaker(workflow.CircuitBreakerConfig{FailureThreshold: 1000, SuccessThreshold: 1, OpenDurationMs: 1, HalfOpenDurationMs: 1, HalfOpenMaxAttempts: 1}), nil, nil, nil)

	_, err = re.Execute(context.Background(), g, instance, step)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "an AbortOn match must stop after the first attempt")
}

func TestRetryExecutorRespectsCircuitBreakerOpen(t *testing.T) {
	g, step := buildRetryGraph(t)
	instance := newTestInstance(g)

	breaker := NewCircuitBreaker(workflow.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenDurationMs: 100000, HalfOpenDurationMs: 100000, HalfOpenMaxAttempts: 1})
	breaker.RecordFailure(step.ID)

	exec := stepexec.New(nil, nil, nil)
	re := New(exec, breaker, nil, nil, nil)

	_, err := re.Execute(context.Background(), g, instance, step)
	require.Error(t, err)
	assert.Equal(t, workflow.ErrCircuitBreakerOpen, workflow.KindOf(err))
}

func TestRetryExecutorInvocationLimitOnLimitError(t *testing.T) {
	g, step := buildRetryGraph(t, graph.WithInvocationLimit(1), graph.WithOnInvocationsLimit(graph.OnLimitError))
	instance := newTestInstance(g)

	exec := stepexec.New(nil, nil, nil)
	re := New(exec, NewCircuitBreaker(workflow.CircuitBreakerConfig{FailureThreshold: 1000, SuccessThreshold: 1, OpenDurationMs: 1, HalfOpenDurationMs: 1, HalfOpenMaxAttempts: 1}), nil, nil, nil)

	_, err := re.Execute(context.Background(), g, instance, step)
	require.NoError(t, err)

	_, err = re.Execute(context.Background(), g, instance, step)
	require.Error(t, err)
	assert.Equal(t, workflow.ErrInvocationLimit, workflow.KindOf(err))
}

func TestRetryExecutorInvocationLimitOnLimitStop(t *testing.T) {
	g, step := buildRetryGraph(t, graph.WithInvocationLimit(1), graph.WithOnInvocationsLimit(graph.OnLimitStop))
	instance := newTestInstance(g)

	exec := stepexec.New(nil, nil, nil)
	re := New(exec, NewCircuitBreaker(workflow.CircuitBreakerConfig{FailureThreshold: 1000, SuccessThreshold: 1, OpenDurationMs: 1, HalfOpenDurationMs: 1, HalfOpenMaxAttempts: 1}), nil, nil, nil)

	_, err := re.Execute(context.Background(), g, instance, step)
	require.NoError(t, err)

	result, err := re.Execute(context.Background(), g, instance, step)
	require.NoError(t, err)
	finish, ok := result.(*workflow.Finish)
	require.True(t, ok)
	assert.Nil(t, finish.Result)
}

func TestRetryExecutorRetrySleepCancellableByContext(t *testing.T) {
	boom := errors.New("always fails")
	b := graph.NewBuilder("g", "v1")
	b.Step("flaky", func(in retryInput, ctx *workflow.WorkflowContext) (retryOutput, error) {
		return retryOutput{}, boom
	}, graph.AsInitial(), graph.WithRetryPolicy(workflow.RetryPolicy{
		MaxAttempts: 5, InitialDelayMs: 500, BackoffMultiplier: 1, MaxDelayMs: 500,
	}))
	g, err := b.Build()
	require.NoError(t, err)
	step, _ := g.Step("flaky")
	instance := newTestInstance(g)

	exec := stepexec.New(nil, nil, nil)
	re := New(exec, NewCircuitBreaker(workflow.CircuitBreakerConfig{FailureThreshold: 1000, SuccessThreshold: 1, OpenDurationMs: 1, HalfOpenDurationMs: 1, HalfOpenMaxAttempts: 1}), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = re.Execute(ctx, g, instance, step)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "cancellation must cut the retry sleep short")
}
