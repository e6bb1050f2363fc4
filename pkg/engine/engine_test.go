package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/state"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

type billingRequest struct{ Amount int }
type billingReceipt struct{ Charged bool }
type billingApproval struct{ Approved bool }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := Config{CoreWorkers: 2, MaxWorkers: 4, QueueCapacity: 16}
	stateRepo := state.NewMemoryStateRepository(100, nil)
	suspensionRepo := state.NewMemorySuspensionRepository()
	asyncRepo := state.NewMemoryAsyncStateRepository()
	registry := workflow.NewTypeRegistry()

	e, err := New(cfg, stateRepo, suspensionRepo, asyncRepo, registry, nil, nil,
		workflow.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenDurationMs: 20, HalfOpenDurationMs: 1000, HalfOpenMaxAttempts: 1},
		noop.NewMeterProvider(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(time.Second) })
	return e
}

func TestEngineLinearExecutionCompletes(t *testing.T) {
	e := newTestEngine(t)
	e.Registry().Register("billingRequest", billingRequest{})
	e.Registry().Register("billingReceipt", billingReceipt{})

	g, err := graph.NewBuilder("billing", "v1").
		Step("charge", func(in billingRequest, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
			return &workflow.Finish{Result: billingReceipt{Charged: true}}, nil
		}, graph.AsInitial(), graph.WithOutputType(billingReceipt{})).
		Build()
	require.NoError(t, err)
	require.NoError(t, e.Register(g))

	ex, err := e.Execute(context.Background(), "billing", billingRequest{Amount: 7})
	require.NoError(t, err)

	result, err := ex.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, billingReceipt{Charged: true}, result)
}

func TestEngineSuspendResumeRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	e.Registry().Register("billingRequest", billingRequest{})
	e.Registry().Register("billingApproval", billingApproval{})
	e.Registry().Register("billingReceipt", billingReceipt{})

	g, err := graph.NewBuilder("approval", "v1").
		Step("place", func(in billingRequest, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
			return workflow.NewSuspend(in, "billingApproval", nil, nil)
		}, graph.AsInitial(), graph.WithOutputType(billingApproval{})).
		Step("charge", func(in billingApproval, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
			return &workflow.Finish{Result: billingReceipt{Charged: in.Approved}}, nil
		}, graph.WithOutputType(billingReceipt{})).
		Sequential("place", "charge").
		Build()
	require.NoError(t, err)
	require.NoError(t, e.Register(g))

	ex, err := e.Execute(context.Background(), "approval", billingRequest{Amount: 7})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := e.GetCurrentResult(context.Background(), ex.InstanceID)
		return err == nil && res.Status == workflow.StatusSuspended
	}, time.Second, 5*time.Millisecond)

	resumed, err := e.Resume(context.Background(), ex.InstanceID, billingApproval{Approved: true})
	require.NoError(t, err)

	result, err := resumed.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, billingReceipt{Charged: true}, result)
}

func TestEngineRetriesTransientFailureThenSucceeds(t *testing.T) {
	e := newTestEngine(t)
	e.Registry().Register("billingRequest", billingRequest{})
	e.Registry().Register("billingReceipt", billingReceipt{})

	attempts := 0
	g, err := graph.NewBuilder("flaky-billing", "v1").
		Step("charge", func(in billingRequest, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient decline")
			}
			return &workflow.Finish{Result: billingReceipt{Charged: true}}, nil
		}, graph.AsInitial(), graph.WithOutputType(billingReceipt{}), graph.WithRetryPolicy(workflow.RetryPolicy{
			MaxAttempts: 3, InitialDelayMs: 1, BackoffMultiplier: 1, MaxDelayMs: 2,
		})).
		Build()
	require.NoError(t, err)
	require.NoError(t, e.Register(g))

	ex, err := e.Execute(context.Background(), "flaky-billing", billingRequest{Amount: 1})
	require.NoError(t, err)
	result, err := ex.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, billingReceipt{Charged: true}, result)
	assert.Equal(t, 2, attempts)
}

func TestEngineAsyncProgressAndCancellation(t *testing.T) {
	e := newTestEngine(t)
	e.Registry().Register("billingRequest", billingRequest{})
	e.Registry().Register("billingReceipt", billingReceipt{})

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	b := graph.NewBuilder("async-billing", "v1")
	b.Step("charge", func(in billingRequest, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
		return &workflow.Async{TaskID: "charge-task", TaskArgs: map[string]interface{}{}}, nil
	}, graph.AsInitial(), graph.WithOutputType(billingReceipt{}))
	b.WithAsyncHandler("charge-*", func(taskArgs map[string]interface{}, ctx *workflow.WorkflowContext, progress graph.ProgressReporter) (workflow.StepResult, error) {
		<-block
		return &workflow.Finish{Result: billingReceipt{Charged: true}}, nil
	})
	g, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, e.Register(g))

	ex, err := e.Execute(context.Background(), "async-billing", billingRequest{Amount: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := e.GetCurrentResult(context.Background(), ex.InstanceID)
		return err == nil && res.Status == workflow.StatusSuspended
	}, time.Second, 5*time.Millisecond)

	ok, err := e.CancelAsyncOperation(context.Background(), ex.InstanceID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ex.Wait(context.Background())
	require.Error(t, err)
}

func TestEngineBranchOnValue(t *testing.T) {
	e := newTestEngine(t)
	e.Registry().Register("billingRequest", billingRequest{})
	e.Registry().Register("billingReceipt", billingReceipt{})

	b := graph.NewBuilder("branch-billing", "v1")
	b.Step("place", func(in billingRequest, ctx *workflow.WorkflowContext) (billingRequest, error) { return in, nil }, graph.AsInitial())
	b.On("route", billingRequest{}, func(v interface{}) interface{} { return v.(billingRequest).Amount > 100 }).
		Is(true, "big").Otherwise("small")
	b.Step("big", func(in billingRequest, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
		return &workflow.Finish{Result: billingReceipt{Charged: true}}, nil
	}, graph.WithOutputType(billingReceipt{}))
	b.Step("small", func(in billingRequest, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
		return &workflow.Finish{Result: billingReceipt{Charged: false}}, nil
	}, graph.WithOutputType(billingReceipt{}))
	b.Sequential("place", "route")
	g, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, e.Register(g))

	ex, err := e.Execute(context.Background(), "branch-billing", billingRequest{Amount: 500})
	require.NoError(t, err)

	result, err := ex.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, billingReceipt{Charged: true}, result)
}
