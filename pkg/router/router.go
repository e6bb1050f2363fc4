// Package router selects a graph's next step for a given StepResult
// and assembles that step's input from the instance's recorded
// outputs (§4.8).
package router

import (
	"reflect"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// FindNextStep implements §4.8's findNextStep: the first outgoing
// Sequential edge (in declaration order) whose target step can
// accept data's runtime type wins; "" is returned if none match.
func FindNextStep(g *graph.Graph, fromStepID string, data interface{}) (string, bool) {
	dataType := reflect.TypeOf(data)
	for _, e := range g.Edges(fromStepID) {
		if e.Kind != graph.EdgeSequential {
			continue
		}
		target, ok := g.Step(e.To)
		if !ok {
			continue
		}
		if dataType == nil || workflow.IsAssignable(dataType, target.InputType) {
			return e.To, true
		}
	}
	return "", false
}

// FindBranchTarget implements §4.8's findBranchTarget: only
// BranchOnType/BranchOnValue edges are considered. BranchOnValue
// requires both marker type and value to match and is preferred over
// a value-less BranchOnType fallback of the same marker type (the
// Otherwise() edge); among equally-specific matches, declaration
// order breaks ties.
func FindBranchTarget(g *graph.Graph, fromStepID string, event interface{}) (string, bool) {
	eventType := reflect.TypeOf(event)
	var eventValue interface{}
	hasValue := false
	if vm, ok := event.(graph.ValueMarker); ok {
		eventValue = vm.Value
		hasValue = true
	}

	for _, e := range g.Edges(fromStepID) {
		if e.Kind != graph.EdgeBranchOnValue {
			continue
		}
		if e.MarkerType != eventType {
			continue
		}
		if hasValue && valuesEqual(e.Value, eventValue) {
			return e.To, true
		}
	}
	for _, e := range g.Edges(fromStepID) {
		if e.Kind != graph.EdgeBranchOnType {
			continue
		}
		if e.MarkerType == eventType {
			return e.To, true
		}
	}
	return "", false
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// FindStepForInputType implements §4.8's findStepForInputType: scans
// all nodes and returns the first (other than excludeStepID) whose
// declared input type is assignable from typ.
func FindStepForInputType(g *graph.Graph, typ reflect.Type, excludeStepID string) (string, bool) {
	for _, n := range g.AllSteps() {
		if n.ID == excludeStepID {
			continue
		}
		if workflow.IsAssignable(typ, n.InputType) {
			return n.ID, true
		}
	}
	return "", false
}
