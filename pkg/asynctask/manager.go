package asynctask

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/state"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// Continuation is invoked once an async task's handler returns,
// handing its StepResult back to the orchestrator's result-processing
// routine so the workflow can proceed (including possibly entering
// another suspension). Injected rather than imported directly to
// avoid an asynctask<->orchestrator import cycle (the orchestrator
// also depends on asynctask to dispatch Async results).
type Continuation func(ctx context.Context, instanceID string, result workflow.StepResult, resultErr error)

// Dispatcher runs fn asynchronously. Satisfied by pkg/engine's worker
// pool; a plain `go fn()` dispatcher is also valid for tests.
type Dispatcher func(fn func())

// Manager implements AsyncTaskManager (§4.7).
type Manager struct {
	stateRepo      state.StateRepository
	suspensionRepo state.SuspensionDataRepository
	asyncRepo      state.AsyncStepStateRepository
	registry       *workflow.TypeRegistry
	converter      workflow.PayloadConverter
	broadcaster    *workflow.Broadcaster
	dispatch       Dispatcher
	log            *zap.Logger
}

// New builds a Manager. A nil registry/converter falls back to the
// global registry/JSON converter (matching pkg/engine.New's
// defaulting); a nil dispatcher runs handlers on a plain goroutine.
func New(stateRepo state.StateRepository, suspensionRepo state.SuspensionDataRepository, asyncRepo state.AsyncStepStateRepository, registry *workflow.TypeRegistry, converter workflow.PayloadConverter, broadcaster *workflow.Broadcaster, dispatch Dispatcher, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = workflow.Global()
	}
	if converter == nil {
		converter = workflow.GetConverter("json")
	}
	if broadcaster == nil {
		broadcaster = workflow.NewBroadcaster(log)
	}
	if dispatch == nil {
		dispatch = func(fn func()) { go fn() }
	}
	return &Manager{
		stateRepo:      stateRepo,
		suspensionRepo: suspensionRepo,
		asyncRepo:      asyncRepo,
		registry:       registry,
		converter:      converter,
		broadcaster:    broadcaster,
		dispatch:       dispatch,
		log:            log,
	}
}

// Start implements §4.7 steps 1-3: persists AsyncStepState and
// SuspensionData, transitions instance to SUSPENDED, and dispatches
// the resolved handler (or attaches to a supplied future).
func (m *Manager) Start(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode, async *workflow.Async, continuation Continuation) error {
	now := time.Now().UnixMilli()
	messageID := uuid.New().String()

	asyncState := &workflow.AsyncStepState{
		MessageID:       messageID,
		TaskID:          async.TaskID,
		InstanceID:      instance.InstanceID,
		PercentComplete: 0,
		Status:          workflow.AsyncRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.asyncRepo.Save(ctx, asyncState); err != nil {
		return workflow.NewStepError(workflow.ErrInfrastructureFailure, step.ID, "failed to persist async state", err)
	}

	suspension := &workflow.SuspensionData{
		MessageID:       messageID,
		InstanceID:      instance.InstanceID,
		PromptToUser:    async.ImmediateData,
		Metadata:        map[string]interface{}{"async": true, "taskId": async.TaskID},
		SuspendedStepID: step.ID,
		CreatedAt:       now,
	}
	if err := m.suspensionRepo.Save(ctx, suspension); err != nil {
		return workflow.NewStepError(workflow.ErrInfrastructureFailure, step.ID, "failed to persist suspension data", err)
	}

	var immediateOutput workflow.StepOutput
	if async.ImmediateData != nil {
		out, err := workflow.Of(async.ImmediateData, m.registry, m.converter)
		if err != nil {
			return workflow.NewStepError(workflow.ErrTypeMismatch, step.ID, "failed to capture async immediate data", err)
		}
		immediateOutput = out
	}
	instance.Context.SetOutput(step.ID, immediateOutput)
	if err := instance.TransitionTo(workflow.StatusSuspended, now); err != nil {
		return err
	}
	if err := m.stateRepo.Save(ctx, instance); err != nil {
		return workflow.NewStepError(workflow.ErrInfrastructureFailure, step.ID, "failed to save suspended instance", err)
	}
	m.broadcaster.Each(func(l workflow.Listener) { l.OnInstanceSuspended(instance.InstanceID, step.ID) })

	if future, ok := m.futureFor(async); ok {
		m.dispatch(func() { m.awaitFuture(ctx, g, instance.InstanceID, step, messageID, future, continuation) })
		return nil
	}

	handler, ok := ResolveHandler(g, async.TaskID, step.ID)
	if !ok {
		return workflow.NewStepError(workflow.ErrRoutingFailure, step.ID, "no async handler registered for taskId "+async.TaskID, nil)
	}

	m.dispatch(func() { m.runHandler(ctx, instance.InstanceID, step, async, messageID, handler, continuation) })
	return nil
}

func (m *Manager) futureFor(async *workflow.Async) (*Future, bool) {
	raw, ok := async.TaskArgs[workflow.AsyncFutureKey]
	if !ok {
		return nil, false
	}
	f, ok := raw.(*Future)
	return f, ok
}

func (m *Manager) awaitFuture(ctx context.Context, g *graph.Graph, instanceID string, step *graph.StepNode, messageID string, future *Future, continuation Continuation) {
	value, err := future.Wait(ctx)
	if err != nil {
		m.finish(ctx, instanceID, messageID, nil, err, continuation)
		return
	}
	hasOutgoing := len(g.Edges(step.ID)) > 0
	result := resultFromFutureValue(value, hasOutgoing)
	m.finish(ctx, instanceID, messageID, result, nil, continuation)
}

func (m *Manager) runHandler(ctx context.Context, instanceID string, step *graph.StepNode, async *workflow.Async, messageID string, handler graph.AsyncHandlerFunc, continuation Continuation) {
	reloaded, found, err := m.stateRepo.Load(ctx, instanceID)
	if err != nil || !found {
		m.log.Error("async handler dispatch: instance not found", zap.String("instanceId", instanceID), zap.Error(err))
		return
	}
	progress := NewProgressTracker(ctx, m.asyncRepo, messageID)
	result, handlerErr := handler(async.TaskArgs, reloaded.Context, progress)
	if _, ok := result.(*workflow.Async); ok {
		handlerErr = workflow.NewStepError(workflow.ErrStateViolation, step.ID, "async handler returned another Async result", nil)
		result = nil
	}
	m.finish(ctx, instanceID, messageID, result, handlerErr, continuation)
}

// finish implements §4.7 step 4: re-read the instance, transition
// back to RUNNING, delete the suspension record, and hand the result
// to the orchestrator's continuation.
func (m *Manager) finish(ctx context.Context, instanceID, messageID string, result workflow.StepResult, resultErr error, continuation Continuation) {
	now := time.Now().UnixMilli()

	asyncState, found, err := m.asyncRepo.Find(ctx, messageID)
	if err == nil && found {
		if resultErr != nil {
			asyncState.Status = workflow.AsyncFailed
			asyncState.Err = resultErr
		} else {
			asyncState.Status = workflow.AsyncCompleted
			asyncState.FinalResult = result
		}
		asyncState.UpdatedAt = now
		_ = m.asyncRepo.Save(ctx, asyncState)
	}

	instance, found, err := m.stateRepo.Load(ctx, instanceID)
	if err != nil || !found {
		m.log.Error("async completion: instance not found", zap.String("instanceId", instanceID), zap.Error(err))
		return
	}
	if instance.Status == workflow.StatusCancelled || instance.Status.IsTerminal() {
		return
	}
	if err := instance.TransitionTo(workflow.StatusRunning, now); err != nil {
		m.log.Error("async completion: illegal transition", zap.String("instanceId", instanceID), zap.Error(err))
		return
	}
	_ = m.suspensionRepo.Delete(ctx, instanceID)
	if err := m.stateRepo.Save(ctx, instance); err != nil {
		m.log.Error("async completion: failed to save instance", zap.String("instanceId", instanceID), zap.Error(err))
		return
	}
	m.broadcaster.Each(func(l workflow.Listener) { l.OnInstanceResumed(instanceID, instance.CurrentStepID) })

	continuation(ctx, instanceID, result, resultErr)
}

// Cancel implements cancelAsyncOperation(instanceId) (§5): marks the
// async state CANCELLED so the handler's next IsCancelled() check
// observes it, records a cancellation ErrorInfo on the instance, and
// transitions it to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, instanceID string) error {
	suspension, found, err := m.suspensionRepo.FindByInstanceID(ctx, instanceID)
	if err != nil {
		return err
	}
	if !found {
		return workflow.NewEngineError(workflow.ErrInvalidArgument, "no suspended async task for instance "+instanceID, nil)
	}

	asyncState, found, err := m.asyncRepo.Find(ctx, suspension.MessageID)
	if err != nil || !found {
		return workflow.NewEngineError(workflow.ErrInvalidArgument, "no async state for instance "+instanceID, nil)
	}
	if asyncState.Status != workflow.AsyncRunning {
		return nil
	}
	asyncState.Status = workflow.AsyncCancelled
	asyncState.UpdatedAt = time.Now().UnixMilli()
	if err := m.asyncRepo.Save(ctx, asyncState); err != nil {
		return err
	}

	instance, found, err := m.stateRepo.Load(ctx, instanceID)
	if err != nil || !found {
		return workflow.NewEngineError(workflow.ErrInvalidArgument, "instance not found: "+instanceID, nil)
	}
	now := time.Now().UnixMilli()
	cancelErr := workflow.NewEngineError(workflow.ErrCancellation, "async operation cancelled", nil)
	errInfo := workflow.NewErrorInfo(instance.CurrentStepID, cancelErr, now)
	instance.Error = &errInfo
	if err := instance.TransitionTo(workflow.StatusCancelled, now); err != nil {
		return err
	}
	_ = m.suspensionRepo.Delete(ctx, instanceID)
	if err := m.stateRepo.Save(ctx, instance); err != nil {
		return err
	}
	m.broadcaster.Each(func(l workflow.Listener) { l.OnInstanceCancelled(instanceID) })
	return nil
}
