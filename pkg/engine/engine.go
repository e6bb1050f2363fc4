// Package engine is the embeddable façade (§6): register(graph),
// execute/resume, cancelAsyncOperation, getCurrentResult, and
// listener management over an internal graph registry and
// orchestrator. Grounded on pkg/api/mel.go's Mel interface plus
// package-level convenience wrappers around one global instance, the
// teacher's precedent for "a small façade over an internal registry."
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/driftkit-ai/driftkit-framework/pkg/asynctask"
	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/orchestrator"
	"github.com/driftkit-ai/driftkit-framework/pkg/retry"
	"github.com/driftkit-ai/driftkit-framework/pkg/schema"
	"github.com/driftkit-ai/driftkit-framework/pkg/state"
	"github.com/driftkit-ai/driftkit-framework/pkg/stepexec"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// Execution is the outer future §4.9/§6 describes: it completes with
// the Finish result on COMPLETED, or an error wrapping the recorded
// ErrorInfo on FAILED. It never completes on SUSPENDED — callers
// observe that through GetCurrentResult instead.
type Execution struct {
	InstanceID string

	done   chan struct{}
	result interface{}
	err    error
}

func newExecution(instanceID string) *Execution {
	return &Execution{InstanceID: instanceID, done: make(chan struct{})}
}

func (ex *Execution) complete(result interface{}, err error) {
	ex.result, ex.err = result, err
	close(ex.done)
}

// Wait blocks until the execution's outer future completes or ctx is
// cancelled, whichever happens first.
func (ex *Execution) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-ex.done:
		return ex.result, ex.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CurrentResult is getCurrentResult's (§6) snapshot: for an
// async-in-progress instance, Percent/Message; for a non-async
// suspension, Prompt; otherwise Status with Percent at 0 or 100.
type CurrentResult struct {
	Status  workflow.InstanceStatus
	Percent int
	Message string
	Prompt  interface{}
}

// Engine is the embeddable workflow engine. It implements
// workflow.Listener (via an embedded NoopListener plus its own
// OnInstanceCompleted/OnInstanceFailed/OnInstanceCancelled) so it can settle each
// instance's Execution regardless of which goroutine drove it there —
// the main loop directly, or an async task's completion continuation.
type Engine struct {
	workflow.NoopListener

	mu     sync.RWMutex
	graphs map[string]*graph.Graph

	orch           *orchestrator.Orchestrator
	asyncMgr       *asynctask.Manager
	stateRepo      state.StateRepository
	suspensionRepo state.SuspensionDataRepository
	asyncRepo      state.AsyncStepStateRepository
	registry       *workflow.TypeRegistry
	converter      workflow.PayloadConverter
	broadcaster    *workflow.Broadcaster
	pool           *Pool
	pending        sync.Map // instanceID -> *Execution
	log            *zap.Logger
}

// New assembles an Engine from its collaborators: the repositories
// (§4.3), a TypeRegistry/PayloadConverter pair, a SchemaProvider for
// Suspend's nextInputClass, a CircuitBreaker default config, an otel
// MeterProvider for retry metrics, and any StepExecutor interceptors.
func New(
	cfg Config,
	stateRepo state.StateRepository,
	suspensionRepo state.SuspensionDataRepository,
	asyncRepo state.AsyncStepStateRepository,
	registry *workflow.TypeRegistry,
	converter workflow.PayloadConverter,
	schemaProvider schema.Provider,
	breakerDefaults workflow.CircuitBreakerConfig,
	meterProvider metric.MeterProvider,
	log *zap.Logger,
	interceptors ...stepexec.Interceptor,
) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = workflow.Global()
	}
	if converter == nil {
		converter = workflow.GetConverter("json")
	}

	broadcaster := workflow.NewBroadcaster(log)
	exec := stepexec.New(registry, converter, log, interceptors...)
	breaker := retry.NewCircuitBreaker(breakerDefaults)
	metrics, err := retry.NewMetrics(meterProvider)
	if err != nil {
		return nil, err
	}
	retryExec := retry.New(exec, breaker, broadcaster, metrics, log)

	pool := NewPool(cfg)
	asyncMgr := asynctask.New(stateRepo, suspensionRepo, asyncRepo, registry, converter, broadcaster, pool.Submit, log)
	orch := orchestrator.New(retryExec, asyncMgr, stateRepo, suspensionRepo, schemaProvider, registry, converter, broadcaster, log)

	e := &Engine{
		graphs:         make(map[string]*graph.Graph),
		orch:           orch,
		asyncMgr:       asyncMgr,
		stateRepo:      stateRepo,
		suspensionRepo: suspensionRepo,
		asyncRepo:      asyncRepo,
		registry:       registry,
		converter:      converter,
		broadcaster:    broadcaster,
		pool:           pool,
		log:            log,
	}
	broadcaster.Add("engine-settle", e)
	return e, nil
}

// OnInstanceCompleted settles instanceID's pending Execution, if any,
// with the Finish result.
func (e *Engine) OnInstanceCompleted(instanceID string, result interface{}) {
	e.settle(instanceID, result, nil)
}

// OnInstanceFailed settles instanceID's pending Execution, if any,
// with a wrapper error carrying errInfo's kind, message, and step.
func (e *Engine) OnInstanceFailed(instanceID string, errInfo workflow.ErrorInfo) {
	e.settle(instanceID, nil, workflow.NewStepError(errInfo.Kind, errInfo.StepID, errInfo.Message, nil))
}

// OnInstanceCancelled settles instanceID's pending Execution, if any,
// with a cancellation error; otherwise a cancelAsyncOperation call
// would leave Execute's caller blocked on Wait forever.
func (e *Engine) OnInstanceCancelled(instanceID string) {
	e.settle(instanceID, nil, workflow.NewEngineError(workflow.ErrCancellation, "instance cancelled", nil))
}

func (e *Engine) settle(instanceID string, result interface{}, err error) {
	if v, ok := e.pending.LoadAndDelete(instanceID); ok {
		v.(*Execution).complete(result, err)
	}
}

// Register adds g to the graph registry, rejecting a duplicate id.
func (e *Engine) Register(g *graph.Graph) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.graphs[g.ID]; exists {
		return workflow.NewEngineError(workflow.ErrInvalidArgument, "graph already registered: "+g.ID, nil)
	}
	e.graphs[g.ID] = g
	return nil
}

func (e *Engine) graphFor(workflowID string) (*graph.Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[workflowID]
	return g, ok
}

// Execute starts a fresh instance of workflowID with a newly generated
// instance id.
func (e *Engine) Execute(ctx context.Context, workflowID string, input interface{}) (*Execution, error) {
	return e.ExecuteWithID(ctx, workflowID, input, uuid.New().String(), nil)
}

// ExecuteWithID starts workflowID under a caller-supplied instanceID.
// If an instance with that id already exists and is SUSPENDED, this
// auto-resumes it with input instead (§6); any other existing status
// is rejected.
func (e *Engine) ExecuteWithID(ctx context.Context, workflowID string, input interface{}, instanceID string, chatID *string) (*Execution, error) {
	g, ok := e.graphFor(workflowID)
	if !ok {
		return nil, workflow.NewEngineError(workflow.ErrInvalidArgument, "no such workflow: "+workflowID, nil)
	}

	existing, found, err := e.stateRepo.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if found {
		if existing.Status != workflow.StatusSuspended {
			return nil, workflow.NewEngineError(workflow.ErrStateViolation, "instance already exists and is not SUSPENDED: "+instanceID, nil)
		}
		return e.resumeInstance(ctx, g, instanceID, input)
	}

	triggerOut, err := workflow.Of(input, e.registry, e.converter)
	if err != nil {
		return nil, workflow.NewEngineError(workflow.ErrTypeMismatch, "trigger input's type is not registered", err)
	}
	now := time.Now().UnixMilli()
	instance := workflow.NewWorkflowInstance(instanceID, workflowID, g.Version, g.InitialStepID(), triggerOut, now)
	instance.ChatID = chatID
	if err := e.stateRepo.Save(ctx, instance); err != nil {
		return nil, err
	}
	e.broadcaster.Each(func(l workflow.Listener) { l.OnInstanceStarted(instanceID, workflowID) })

	ex := e.registerExecution(instanceID)
	e.pool.Submit(func() { e.run(context.Background(), g, instance) })
	return ex, nil
}

// Resume implements §4.9's resume protocol via the orchestrator, then
// schedules the main loop on the pool.
func (e *Engine) Resume(ctx context.Context, instanceID string, input interface{}) (*Execution, error) {
	existing, found, err := e.stateRepo.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflow.NewEngineError(workflow.ErrInvalidArgument, "no such instance: "+instanceID, nil)
	}
	g, ok := e.graphFor(existing.WorkflowID)
	if !ok {
		return nil, workflow.NewEngineError(workflow.ErrInvalidArgument, "no such workflow: "+existing.WorkflowID, nil)
	}
	return e.resumeInstance(ctx, g, instanceID, input)
}

func (e *Engine) resumeInstance(ctx context.Context, g *graph.Graph, instanceID string, input interface{}) (*Execution, error) {
	instance, err := e.orch.Resume(ctx, g, instanceID, input)
	if err != nil {
		return nil, err
	}
	ex := e.registerExecution(instanceID)
	e.pool.Submit(func() { e.run(context.Background(), g, instance) })
	return ex, nil
}

func (e *Engine) run(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance) {
	if err := e.orch.Run(ctx, g, instance); err != nil {
		e.log.Error("engine: main loop failed", zap.String("instanceId", instance.InstanceID), zap.Error(err))
	}
}

func (e *Engine) registerExecution(instanceID string) *Execution {
	ex := newExecution(instanceID)
	e.pending.Store(instanceID, ex)
	return ex
}

// CancelAsyncOperation implements §5/§6's cancelAsyncOperation(instanceId).
func (e *Engine) CancelAsyncOperation(ctx context.Context, instanceID string) (bool, error) {
	if err := e.asyncMgr.Cancel(ctx, instanceID); err != nil {
		return false, err
	}
	return true, nil
}

// GetCurrentResult implements §6's getCurrentResult(instanceId).
func (e *Engine) GetCurrentResult(ctx context.Context, instanceID string) (*CurrentResult, error) {
	instance, found, err := e.stateRepo.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflow.NewEngineError(workflow.ErrInvalidArgument, "no such instance: "+instanceID, nil)
	}

	if instance.Status == workflow.StatusSuspended {
		if suspension, found, err := e.suspensionRepo.FindByInstanceID(ctx, instanceID); err == nil && found {
			if isAsync, _ := suspension.Metadata["async"].(bool); isAsync {
				if asyncState, found, err := e.asyncRepo.Find(ctx, suspension.MessageID); err == nil && found {
					return &CurrentResult{Status: instance.Status, Percent: asyncState.PercentComplete, Message: asyncState.StatusMessage}, nil
				}
			}
			return &CurrentResult{Status: instance.Status, Prompt: suspension.PromptToUser}, nil
		}
		return &CurrentResult{Status: instance.Status}, nil
	}
	if instance.Status.IsTerminal() {
		return &CurrentResult{Status: instance.Status, Percent: 100}, nil
	}
	return &CurrentResult{Status: instance.Status, Percent: 0}, nil
}

// AddListener registers a workflow-lifecycle/step-lifecycle listener.
func (e *Engine) AddListener(id string, listener workflow.Listener) {
	e.broadcaster.Add(id, listener)
}

// RemoveListener unregisters a previously added listener.
func (e *Engine) RemoveListener(id string) {
	e.broadcaster.Remove(id)
}

// Registry exposes the engine's TypeRegistry so callers can register
// the step/trigger/resume types their graphs use before building them.
func (e *Engine) Registry() *workflow.TypeRegistry { return e.registry }

// Shutdown waits up to grace for in-flight worker-pool goroutines to
// drain; Config.ShutdownGrace is not consulted here.
func (e *Engine) Shutdown(grace time.Duration) {
	e.pool.Shutdown(grace)
}
