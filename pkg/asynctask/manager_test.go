package asynctask

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/state"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

type shipmentRequest struct {
	OrderID string
}
type shipmentReceipt struct {
	OrderID    string
	TrackingID string
}

func buildAsyncGraph(t *testing.T, handler graph.AsyncHandlerFunc) *graph.Graph {
	t.Helper()
	b := graph.NewBuilder("ship-graph", "v1")
	b.Step("ship", func(in shipmentRequest, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
		return &workflow.Async{TaskID: "ship-" + in.OrderID, EstimatedMs: 10, TaskArgs: map[string]interface{}{"orderId": in.OrderID}}, nil
	}, graph.AsInitial(), graph.WithOutputType(shipmentReceipt{}))
	b.WithAsyncHandler("ship-*", handler)
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

// syncDispatch runs the handler inline (rather than on a goroutine),
// making manager tests deterministic without a WaitGroup/channel dance.
func syncDispatch(fn func()) { fn() }

func TestManagerStartRunsHandlerAndResumesInstance(t *testing.T) {
	stateRepo := state.NewMemoryStateRepository(10, nil)
	suspensionRepo := state.NewMemorySuspensionRepository()
	asyncRepo := state.NewMemoryAsyncStateRepository()

	handlerCalled := false
	handler := func(taskArgs map[string]interface{}, ctx *workflow.WorkflowContext, progress graph.ProgressReporter) (workflow.StepResult, error) {
		handlerCalled = true
		progress.UpdateProgress(50, "halfway")
		return &workflow.Finish{Result: shipmentReceipt{OrderID: taskArgs["orderId"].(string), TrackingID: "T-1"}}, nil
	}
	g := buildAsyncGraph(t, handler)

	workflow.Global().Register("shipmentRequest", shipmentRequest{})
	workflow.Global().Register("shipmentReceipt", shipmentReceipt{})
	trigger, err := workflow.Of(shipmentRequest{OrderID: "O-1"}, workflow.Global(), workflow.GetConverter("json"))
	require.NoError(t, err)

	instance := workflow.NewWorkflowInstance("i1", g.ID, g.Version, "ship", trigger, 0)
	require.NoError(t, stateRepo.Save(context.Background(), instance))

	mgr := New(stateRepo, suspensionRepo, asyncRepo, nil, nil, nil, syncDispatch, nil)
	step, _ := g.Step("ship")
	async := &workflow.Async{TaskID: "ship-O-1", TaskArgs: map[string]interface{}{"orderId": "O-1"}}

	var gotResult workflow.StepResult
	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	continuation := func(ctx context.Context, instanceID string, result workflow.StepResult, resultErr error) {
		gotResult, gotErr = result, resultErr
		wg.Done()
	}

	require.NoError(t, mgr.Start(context.Background(), g, instance, step, async, continuation))
	wg.Wait()

	assert.True(t, handlerCalled)
	require.NoError(t, gotErr)
	finish, ok := gotResult.(*workflow.Finish)
	require.True(t, ok)
	assert.Equal(t, shipmentReceipt{OrderID: "O-1", TrackingID: "T-1"}, finish.Result)

	reloaded, found, err := stateRepo.Load(context.Background(), "i1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, workflow.StatusRunning, reloaded.Status, "manager must transition back to RUNNING once the handler completes")

	_, found, _ = suspensionRepo.FindByInstanceID(context.Background(), "i1")
	assert.False(t, found, "suspension record must be deleted on completion")
}

func TestManagerCancelMarksAsyncStateAndCancelsInstance(t *testing.T) {
	stateRepo := state.NewMemoryStateRepository(10, nil)
	suspensionRepo := state.NewMemorySuspensionRepository()
	asyncRepo := state.NewMemoryAsyncStateRepository()

	block := make(chan struct{})
	handlerDone := make(chan struct{})
	var sawCancelled bool
	handler := func(taskArgs map[string]interface{}, ctx *workflow.WorkflowContext, progress graph.ProgressReporter) (workflow.StepResult, error) {
		<-block
		defer close(handlerDone)
		sawCancelled = progress.IsCancelled()
		if sawCancelled {
			return nil, errors.New("cancelled mid-flight")
		}
		return &workflow.Finish{Result: shipmentReceipt{}}, nil
	}
	g := buildAsyncGraph(t, handler)

	workflow.Global().Register("shipmentRequest", shipmentRequest{})
	workflow.Global().Register("shipmentReceipt", shipmentReceipt{})
	trigger, err := workflow.Of(shipmentRequest{OrderID: "O-2"}, workflow.Global(), workflow.GetConverter("json"))
	require.NoError(t, err)
	instance := workflow.NewWorkflowInstance("i2", g.ID, g.Version, "ship", trigger, 0)
	require.NoError(t, stateRepo.Save(context.Background(), instance))

	// finish() returns early (without invoking the continuation) once the
	// instance is already terminal, so completion is observed via
	// handlerDone rather than the continuation callback.
	continuation := func(ctx context.Context, instanceID string, result workflow.StepResult, resultErr error) {}

	mgr := New(stateRepo, suspensionRepo, asyncRepo, nil, nil, nil, func(fn func()) { go fn() }, nil)
	step, _ := g.Step("ship")
	async := &workflow.Async{TaskID: "ship-O-2", TaskArgs: map[string]interface{}{"orderId": "O-2"}}
	require.NoError(t, mgr.Start(context.Background(), g, instance, step, async, continuation))

	// Wait for the handler goroutine to actually be suspended/blocked.
	require.Eventually(t, func() bool {
		reloaded, found, _ := stateRepo.Load(context.Background(), "i2")
		return found && reloaded.Status == workflow.StatusSuspended
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Cancel(context.Background(), "i2"))
	close(block)

	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatal("handler did not observe cancellation in time")
	}
	assert.True(t, sawCancelled, "IsCancelled must observe the concurrent Cancel call")

	reloaded, found, err := stateRepo.Load(context.Background(), "i2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, workflow.StatusCancelled, reloaded.Status)
	require.NotNil(t, reloaded.Error)
	assert.Equal(t, workflow.ErrCancellation, reloaded.Error.Kind)
}

func TestFutureCompleteIsIdempotentAndWaitReturnsValue(t *testing.T) {
	f := NewFuture()
	go func() {
		f.Complete("first", nil)
		f.Complete("second", nil) // must be a no-op
	}()

	value, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", value)
}

func TestFutureWaitRespectsContextCancellation(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Wait(ctx)
	assert.Error(t, err)
}

func TestResultFromFutureValueWrapsPlainValue(t *testing.T) {
	r := resultFromFutureValue("plain", true)
	c, ok := r.(*workflow.Continue)
	require.True(t, ok)
	assert.Equal(t, "plain", c.Data)

	r = resultFromFutureValue("plain", false)
	f, ok := r.(*workflow.Finish)
	require.True(t, ok)
	assert.Equal(t, "plain", f.Result)
}

func TestResultFromFutureValuePassesThroughStepResult(t *testing.T) {
	orig := &workflow.Finish{Result: "done"}
	r := resultFromFutureValue(orig, true)
	assert.Same(t, orig, r)
}
