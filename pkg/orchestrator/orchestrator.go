// Package orchestrator drives a single WorkflowInstance through its
// Graph (§4.9): resolve the current step, run it through the
// RetryExecutor, dispatch on the resulting StepResult variant, and
// repeat until the instance is terminal or SUSPENDED. Grounded on
// pkg/execution/worker.go's processQueueItem loop (resolve work, run
// it, decide the next state, persist), generalized from the teacher's
// fixed node-graph traversal to the closed StepResult sum type.
package orchestrator

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftkit-ai/driftkit-framework/pkg/asynctask"
	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/retry"
	"github.com/driftkit-ai/driftkit-framework/pkg/router"
	"github.com/driftkit-ai/driftkit-framework/pkg/schema"
	"github.com/driftkit-ai/driftkit-framework/pkg/state"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// Orchestrator implements §4.9's main loop and resume protocol for
// whatever Graph/WorkflowInstance pair it is given; it holds no
// per-workflow registry itself (that's pkg/engine's job).
type Orchestrator struct {
	retryExec      *retry.RetryExecutor
	asyncMgr       *asynctask.Manager
	stateRepo      state.StateRepository
	suspensionRepo state.SuspensionDataRepository
	schemaProvider schema.Provider
	registry       *workflow.TypeRegistry
	converter      workflow.PayloadConverter
	broadcaster    *workflow.Broadcaster
	log            *zap.Logger
}

// New builds an Orchestrator. schemaProvider/broadcaster may be nil
// (a nil schemaProvider skips schema registration on Suspend; a nil
// broadcaster behaves as "no listeners").
func New(
	retryExec *retry.RetryExecutor,
	asyncMgr *asynctask.Manager,
	stateRepo state.StateRepository,
	suspensionRepo state.SuspensionDataRepository,
	schemaProvider schema.Provider,
	registry *workflow.TypeRegistry,
	converter workflow.PayloadConverter,
	broadcaster *workflow.Broadcaster,
	log *zap.Logger,
) *Orchestrator {
	if registry == nil {
		registry = workflow.Global()
	}
	if converter == nil {
		converter = workflow.GetConverter("json")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if broadcaster == nil {
		broadcaster = workflow.NewBroadcaster(log)
	}
	// __userInputType__ carries a bare string class name; register it
	// once so Resume/PrepareInput can round-trip it as a StepOutput the
	// same way any other registered value is captured.
	registry.Register("string", "")

	return &Orchestrator{
		retryExec:      retryExec,
		asyncMgr:       asyncMgr,
		stateRepo:      stateRepo,
		suspensionRepo: suspensionRepo,
		schemaProvider: schemaProvider,
		registry:       registry,
		converter:      converter,
		broadcaster:    broadcaster,
		log:            log,
	}
}

// Run drives instance forward within g until it becomes terminal or
// SUSPENDED. A returned error means an infrastructure failure
// prevented the instance from reaching a durable state; workflow-level
// failures are instead recorded on the instance itself and Run returns
// nil.
func (o *Orchestrator) Run(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance) error {
	for !instance.Status.IsTerminal() && instance.Status != workflow.StatusSuspended {
		step, ok := g.Step(instance.CurrentStepID)
		if !ok {
			return o.failInstance(ctx, instance, instance.CurrentStepID,
				workflow.NewStepError(workflow.ErrInvalidArgument, instance.CurrentStepID, "unknown current step", nil))
		}

		result, err := o.retryExec.Execute(ctx, g, instance, step)
		if err != nil {
			return o.failInstance(ctx, instance, step.ID, err)
		}

		if err := o.processResult(ctx, g, instance, step, result); err != nil {
			return err
		}
	}
	return nil
}

// processResult implements §4.9's per-variant dispatch. It is also the
// reentry point an async completion continuation uses once its
// handler returns, so it never assumes it was reached via Run's loop.
func (o *Orchestrator) processResult(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode, result workflow.StepResult) error {
	switch r := result.(type) {
	case *workflow.Continue:
		return o.handleContinue(ctx, g, instance, step, r)
	case *workflow.Suspend:
		return o.handleSuspend(ctx, instance, step, r)
	case *workflow.Branch:
		return o.handleBranch(ctx, g, instance, step, r)
	case *workflow.Finish:
		return o.handleFinish(ctx, instance, step, r)
	case *workflow.Fail:
		return o.failInstance(ctx, instance, step.ID, r.Err)
	case *workflow.Async:
		return o.handleAsync(ctx, g, instance, step, r)
	default:
		return o.failInstance(ctx, instance, step.ID,
			workflow.NewStepError(workflow.ErrStateViolation, step.ID, "unrecognized StepResult variant", nil))
	}
}

func (o *Orchestrator) handleContinue(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode, r *workflow.Continue) error {
	out, err := workflow.Of(r.Data, o.registry, o.converter)
	if err != nil {
		return o.failInstance(ctx, instance, step.ID, err)
	}
	instance.Context.SetOutput(step.ID, out)

	next, ok := router.FindNextStep(g, step.ID, r.Data)
	if !ok {
		return o.failInstance(ctx, instance, step.ID,
			workflow.NewStepError(workflow.ErrRoutingFailure, step.ID, "no next step accepts the produced data type", nil))
	}
	instance.CurrentStepID = next
	return o.save(ctx, instance)
}

func (o *Orchestrator) handleBranch(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode, r *workflow.Branch) error {
	next, ok := router.FindBranchTarget(g, step.ID, r.Event)
	if !ok {
		return o.failInstance(ctx, instance, step.ID,
			workflow.NewStepError(workflow.ErrRoutingFailure, step.ID, "no branch target for routing marker", nil))
	}
	instance.CurrentStepID = next
	return o.save(ctx, instance)
}

func (o *Orchestrator) handleFinish(ctx context.Context, instance *workflow.WorkflowInstance, step *graph.StepNode, r *workflow.Finish) error {
	now := time.Now().UnixMilli()

	out, err := workflow.Of(r.Result, o.registry, o.converter)
	if err != nil {
		return o.failInstance(ctx, instance, step.ID, err)
	}
	instance.Context.SetOutput(workflow.KeyFinal, out)

	if err := instance.TransitionTo(workflow.StatusCompleted, now); err != nil {
		return o.failInstance(ctx, instance, step.ID, err)
	}
	if err := o.save(ctx, instance); err != nil {
		return err
	}
	o.broadcaster.Each(func(l workflow.Listener) { l.OnInstanceCompleted(instance.InstanceID, r.Result) })
	return nil
}

func (o *Orchestrator) handleSuspend(ctx context.Context, instance *workflow.WorkflowInstance, step *graph.StepNode, r *workflow.Suspend) error {
	now := time.Now().UnixMilli()

	if r.NextInputType != "" && o.schemaProvider != nil {
		if t, ok := o.registry.Resolve(r.NextInputType); ok {
			o.schemaProvider.GetSchemaID(r.NextInputType, t)
		}
	}

	preparedInput := lastRecordedInput(instance, step.ID)
	suspension := &workflow.SuspensionData{
		MessageID:             uuid.New().String(),
		InstanceID:            instance.InstanceID,
		PromptToUser:          r.PromptToUser,
		Metadata:              r.Metadata,
		OriginalStepInput:     preparedInput,
		OriginalStepInputType: nameOfOrEmpty(o.registry, preparedInput),
		SuspendedStepID:       step.ID,
		NextInputClass:        r.NextInputType,
		CreatedAt:             now,
	}

	promptOut, err := workflow.Of(r.PromptToUser, o.registry, o.converter)
	if err != nil {
		return o.failInstance(ctx, instance, step.ID, err)
	}
	instance.Context.SetOutput(step.ID, promptOut)

	if err := instance.TransitionTo(workflow.StatusSuspended, now); err != nil {
		return o.failInstance(ctx, instance, step.ID, err)
	}
	if err := o.suspensionRepo.Save(ctx, suspension); err != nil {
		return o.failInstance(ctx, instance, step.ID,
			workflow.NewStepError(workflow.ErrInfrastructureFailure, step.ID, "failed to persist suspension data", err))
	}
	if err := o.save(ctx, instance); err != nil {
		return err
	}
	o.broadcaster.Each(func(l workflow.Listener) { l.OnInstanceSuspended(instance.InstanceID, step.ID) })
	return nil
}

func (o *Orchestrator) handleAsync(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode, r *workflow.Async) error {
	if err := o.asyncMgr.Start(ctx, g, instance, step, r, o.continuationFor(g)); err != nil {
		return o.failInstance(ctx, instance, step.ID, err)
	}
	return nil
}

// continuationFor builds the asynctask.Continuation an async handler's
// completion invokes: reload the now-RUNNING instance, fail it if the
// handler errored (attributed to the step that started the async
// task), otherwise dispatch its StepResult through processResult and
// resume the main loop from wherever that leaves the instance.
func (o *Orchestrator) continuationFor(g *graph.Graph) asynctask.Continuation {
	return func(ctx context.Context, instanceID string, result workflow.StepResult, resultErr error) {
		instance, found, err := o.stateRepo.Load(ctx, instanceID)
		if err != nil || !found {
			o.log.Error("async continuation: instance not found", zap.String("instanceId", instanceID), zap.Error(err))
			return
		}
		if instance.Status.IsTerminal() {
			return
		}
		step, ok := g.Step(instance.CurrentStepID)
		if !ok {
			o.log.Error("async continuation: unknown current step",
				zap.String("instanceId", instanceID), zap.String("stepId", instance.CurrentStepID))
			_ = o.failInstance(ctx, instance, instance.CurrentStepID,
				workflow.NewStepError(workflow.ErrInvalidArgument, instance.CurrentStepID, "unknown current step", nil))
			return
		}

		if resultErr != nil {
			_ = o.failInstance(ctx, instance, step.ID, resultErr)
			return
		}
		if err := o.processResult(ctx, g, instance, step, result); err != nil {
			o.log.Error("async continuation: failed to process result", zap.String("instanceId", instanceID), zap.Error(err))
			return
		}
		if err := o.Run(ctx, g, instance); err != nil {
			o.log.Error("async continuation: main loop failed", zap.String("instanceId", instanceID), zap.Error(err))
		}
	}
}

// Resume implements §4.9's resume protocol. The caller is responsible
// for scheduling Run(ctx, g, instance) against the returned instance
// once Resume succeeds.
func (o *Orchestrator) Resume(ctx context.Context, g *graph.Graph, instanceID string, input interface{}) (*workflow.WorkflowInstance, error) {
	instance, found, err := o.stateRepo.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflow.NewEngineError(workflow.ErrInvalidArgument, "no such instance: "+instanceID, nil)
	}
	if instance.Status != workflow.StatusSuspended {
		return nil, workflow.NewEngineError(workflow.ErrStateViolation, "resume requires a SUSPENDED instance", nil)
	}

	suspension, found, err := o.suspensionRepo.FindByInstanceID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflow.NewEngineError(workflow.ErrStateViolation, "no suspension data for instance "+instanceID, nil)
	}

	if suspension.NextInputClass != "" {
		t, ok := o.registry.Resolve(suspension.NextInputClass)
		if !ok || !workflow.IsAssignable(reflect.TypeOf(input), t) {
			return nil, workflow.NewEngineError(workflow.ErrTypeMismatch,
				"resume input is not assignable to declared class "+suspension.NextInputClass, nil)
		}
	}

	if suspension.OriginalStepInput != nil {
		if out, err := workflow.Of(suspension.OriginalStepInput, o.registry, o.converter); err == nil {
			instance.Context.SetOutput(workflow.KeyResumedStepInput, out)
		}
	}
	userOut, err := workflow.Of(input, o.registry, o.converter)
	if err != nil {
		return nil, workflow.NewEngineError(workflow.ErrTypeMismatch, "resume input's type is not registered", err)
	}
	instance.Context.SetOutput(workflow.KeyUserInput, userOut)
	typeNameOut, err := workflow.Of(userOut.ClassName(), o.registry, o.converter)
	if err != nil {
		return nil, err
	}
	instance.Context.SetOutput(workflow.KeyUserInputType, typeNameOut)

	next, ok := router.FindNextStep(g, suspension.SuspendedStepID, input)
	if !ok {
		next, ok = router.FindStepForInputType(g, reflect.TypeOf(input), suspension.SuspendedStepID)
	}
	if !ok {
		return nil, workflow.NewEngineError(workflow.ErrRoutingFailure,
			"no step accepts the resume input type after "+suspension.SuspendedStepID, nil)
	}

	now := time.Now().UnixMilli()
	instance.CurrentStepID = next
	if err := instance.TransitionTo(workflow.StatusRunning, now); err != nil {
		return nil, err
	}
	if err := o.suspensionRepo.Delete(ctx, instanceID); err != nil {
		return nil, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to delete suspension data", err)
	}
	if err := o.save(ctx, instance); err != nil {
		return nil, err
	}
	o.broadcaster.Each(func(l workflow.Listener) { l.OnInstanceResumed(instanceID, instance.CurrentStepID) })
	return instance, nil
}

func (o *Orchestrator) failInstance(ctx context.Context, instance *workflow.WorkflowInstance, stepID string, cause error) error {
	now := time.Now().UnixMilli()
	errInfo := workflow.NewErrorInfo(stepID, cause, now)
	instance.Error = &errInfo
	if err := instance.TransitionTo(workflow.StatusFailed, now); err != nil {
		o.log.Warn("failInstance: already terminal, recording error in place",
			zap.String("instanceId", instance.InstanceID), zap.Error(err))
	}
	if err := o.stateRepo.Save(ctx, instance); err != nil {
		o.log.Error("failInstance: failed to persist FAILED instance",
			zap.String("instanceId", instance.InstanceID), zap.Error(err))
		return workflow.NewStepError(workflow.ErrInfrastructureFailure, stepID, "failed to persist FAILED instance", err)
	}
	o.broadcaster.Each(func(l workflow.Listener) { l.OnInstanceFailed(instance.InstanceID, *instance.Error) })
	return nil
}

func (o *Orchestrator) save(ctx context.Context, instance *workflow.WorkflowInstance) error {
	if err := o.stateRepo.Save(ctx, instance); err != nil {
		return workflow.NewStepError(workflow.ErrInfrastructureFailure, instance.CurrentStepID, "failed to persist workflow instance", err)
	}
	return nil
}

func lastRecordedInput(instance *workflow.WorkflowInstance, stepID string) interface{} {
	for i := len(instance.History) - 1; i >= 0; i-- {
		if instance.History[i].StepID == stepID {
			return instance.History[i].Input
		}
	}
	return nil
}

func nameOfOrEmpty(registry *workflow.TypeRegistry, value interface{}) string {
	if value == nil {
		return ""
	}
	name, _ := registry.NameOfValue(value)
	return name
}
