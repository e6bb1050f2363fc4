// Package stepexec implements the single-step execution pipeline
// (§4.4): prepare input, run interceptors, invoke the step, record
// history. Grounded on pkg/execution/engine.go's ExecuteStep
// (status-update / checkpoint / node-invoke / error-update sequence),
// generalized from the teacher's envelope-node model to the graph's
// typed StepFunc + StepResult model.
package stepexec

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/router"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// Interceptor observes or overrides a single step execution.
// BeforeStep may return a non-nil StepResult to short-circuit the
// step's own executor (§4.4 step 3); a non-nil error from any
// interceptor callback is logged and otherwise ignored — interceptor
// failures must never mask step outcomes.
type Interceptor interface {
	BeforeStep(ctx context.Context, instance *workflow.WorkflowInstance, step *graph.StepNode, input interface{}) (workflow.StepResult, error)
	AfterStep(ctx context.Context, instance *workflow.WorkflowInstance, step *graph.StepNode, result workflow.StepResult)
	OnStepError(ctx context.Context, instance *workflow.WorkflowInstance, step *graph.StepNode, err error)
}

// NoopInterceptor implements Interceptor as a no-op; embed to pick and
// choose which callbacks to override.
type NoopInterceptor struct{}

func (NoopInterceptor) BeforeStep(context.Context, *workflow.WorkflowInstance, *graph.StepNode, interface{}) (workflow.StepResult, error) {
	return nil, nil
}
func (NoopInterceptor) AfterStep(context.Context, *workflow.WorkflowInstance, *graph.StepNode, workflow.StepResult) {
}
func (NoopInterceptor) OnStepError(context.Context, *workflow.WorkflowInstance, *graph.StepNode, error) {
}

var _ Interceptor = NoopInterceptor{}

// StepExecutor runs §4.4's pipeline for one step.
type StepExecutor struct {
	registry     *workflow.TypeRegistry
	converter    workflow.PayloadConverter
	interceptors []Interceptor
	log          *zap.Logger
}

// New builds a StepExecutor. A nil registry/converter falls back to
// the package defaults; a nil logger falls back to zap.NewNop().
func New(registry *workflow.TypeRegistry, converter workflow.PayloadConverter, log *zap.Logger, interceptors ...Interceptor) *StepExecutor {
	if registry == nil {
		registry = workflow.Global()
	}
	if converter == nil {
		converter = workflow.GetConverter("json")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StepExecutor{registry: registry, converter: converter, interceptors: interceptors, log: log}
}

// Execute runs step against instance within g, returning the step's
// StepResult (possibly an interceptor override) or the step's thrown
// error. On error the caller owns deciding retry/abort/fail handling
// (pkg/retry); Execute itself never retries.
func (e *StepExecutor) Execute(ctx context.Context, g *graph.Graph, instance *workflow.WorkflowInstance, step *graph.StepNode) (workflow.StepResult, error) {
	input, err := router.PrepareInput(g, step, instance, e.registry)
	if err != nil {
		return nil, err
	}

	for _, ic := range e.interceptors {
		override, icErr := e.safeBeforeStep(ctx, ic, instance, step, input)
		if icErr != nil {
			e.log.Warn("interceptor BeforeStep failed, ignoring",
				zap.String("instanceId", instance.InstanceID), zap.String("stepId", step.ID), zap.Error(icErr))
			continue
		}
		if override != nil {
			e.recordAndNotify(ctx, instance, step, input, override, nil)
			return override, nil
		}
	}

	start := time.Now()
	value, err := step.Executor(input, instance.Context)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		instance.RecordExecution(workflow.ExecutionRecord{
			StepID:     step.ID,
			Input:      input,
			DurationMs: durationMs,
			Success:    false,
			Timestamp:  time.Now().UnixMilli(),
		}, time.Now().UnixMilli())
		for _, ic := range e.interceptors {
			e.safeOnStepError(ctx, ic, instance, step, err)
		}
		return nil, err
	}

	result := workflow.AutoWrap(value)
	instance.RecordExecution(workflow.ExecutionRecord{
		StepID:     step.ID,
		Input:      input,
		Output:     value,
		DurationMs: durationMs,
		Success:    true,
		Timestamp:  time.Now().UnixMilli(),
	}, time.Now().UnixMilli())

	for _, ic := range e.interceptors {
		e.safeAfterStep(ctx, ic, instance, step, result)
	}
	return result, nil
}

func (e *StepExecutor) recordAndNotify(ctx context.Context, instance *workflow.WorkflowInstance, step *graph.StepNode, input interface{}, result workflow.StepResult, _ error) {
	instance.RecordExecution(workflow.ExecutionRecord{
		StepID:    step.ID,
		Input:     input,
		Success:   true,
		Timestamp: time.Now().UnixMilli(),
	}, time.Now().UnixMilli())
	for _, ic := range e.interceptors {
		e.safeAfterStep(ctx, ic, instance, step, result)
	}
}

func (e *StepExecutor) safeBeforeStep(ctx context.Context, ic Interceptor, instance *workflow.WorkflowInstance, step *graph.StepNode, input interface{}) (result workflow.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("interceptor BeforeStep panicked, ignoring", zap.Any("recovered", r))
			result, err = nil, nil
		}
	}()
	return ic.BeforeStep(ctx, instance, step, input)
}

func (e *StepExecutor) safeAfterStep(ctx context.Context, ic Interceptor, instance *workflow.WorkflowInstance, step *graph.StepNode, result workflow.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("interceptor AfterStep panicked, ignoring", zap.Any("recovered", r))
		}
	}()
	ic.AfterStep(ctx, instance, step, result)
}

func (e *StepExecutor) safeOnStepError(ctx context.Context, ic Interceptor, instance *workflow.WorkflowInstance, step *graph.StepNode, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("interceptor OnStepError panicked, ignoring", zap.Any("recovered", r))
		}
	}()
	ic.OnStepError(ctx, instance, step, err)
}
