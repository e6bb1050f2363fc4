package router

import (
	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// PrepareInput implements §4.8's prepareInput priority chain. registry
// resolves the recorded class names on outputs/user input back to
// reflect.Type for compatibility checks.
func PrepareInput(g *graph.Graph, step *graph.StepNode, instance *workflow.WorkflowInstance, registry *workflow.TypeRegistry) (interface{}, error) {
	ctx := instance.Context

	// Priority 1: initial step always receives triggerData.
	if step.IsInitial {
		return decodedOrNil(ctx.TriggerData)
	}

	// Priority 2: __userInput__, if the step can accept its recorded type.
	if out, ok := ctx.GetOutput(workflow.KeyUserInput); ok {
		typeOut, typeOK := ctx.GetOutput(workflow.KeyUserInputType)
		accepts := false
		if typeOK {
			if tv, err := typeOut.GetValue(); err == nil {
				if typeName, ok := tv.(string); ok {
					if t, ok := registry.Resolve(typeName); ok && workflow.IsAssignable(t, step.InputType) {
						accepts = true
					}
				}
			}
		}
		if !accepts {
			// "value can still be cast to the declared input": fall
			// back to the output's own captured class.
			accepts = out.IsCompatibleWith(step.InputType)
		}
		if accepts {
			ctx.RemoveOutput(workflow.KeyUserInput)
			ctx.RemoveOutput(workflow.KeyUserInputType)
			return decodedOrNil(out)
		}
	}

	// Priority 3: walk history most-recent-first; exact match wins
	// over assignable match.
	var assignableMatch *workflow.StepOutput
	for _, entry := range ctx.OutputsMostRecentFirst() {
		if isReservedKey(entry.Key) {
			continue
		}
		out := entry.Output
		if !out.HasValue() {
			continue
		}
		t, ok := registry.Resolve(out.ClassName())
		if !ok {
			continue
		}
		if t == step.InputType {
			return decodedOrNil(out)
		}
		if assignableMatch == nil && workflow.IsAssignable(t, step.InputType) {
			o := out
			assignableMatch = &o
		}
	}
	if assignableMatch != nil {
		return decodedOrNil(*assignableMatch)
	}

	// Priority 4: only for initial steps (never reached here — initial
	// steps return at priority 1 — kept for fidelity with §4.8/§9(b)'s
	// documented priority chain and as a guard against a future
	// refactor accidentally letting non-initial steps fall through).
	if step.IsInitial {
		if ctx.TriggerData.IsCompatibleWith(step.InputType) {
			return decodedOrNil(ctx.TriggerData)
		}
	}

	// Priority 5: unresolved; the executor is still invoked and may
	// fail with a type error.
	return nil, nil
}

func decodedOrNil(out workflow.StepOutput) (interface{}, error) {
	if !out.HasValue() {
		return nil, nil
	}
	return out.GetValue()
}

func isReservedKey(key string) bool {
	switch key {
	case workflow.KeyFinal, workflow.KeyUserInput, workflow.KeyUserInputType, workflow.KeyResumedStepInput, workflow.KeyAsyncFuture:
		return true
	}
	return false
}
