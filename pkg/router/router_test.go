package router

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

type routerInput struct{ Amount int }
type routerOutput struct{ Charged bool }

func buildLinearGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.NewBuilder("g", "v1").
		Step("start", func(in routerInput, ctx *workflow.WorkflowContext) (routerInput, error) { return in, nil }, graph.AsInitial()).
		Step("charge", func(in routerInput, ctx *workflow.WorkflowContext) (routerOutput, error) { return routerOutput{Charged: true}, nil }).
		Sequential("start", "charge").
		Build()
	require.NoError(t, err)
	return g
}

func TestFindNextStepMatchesByInputType(t *testing.T) {
	g := buildLinearGraph(t)
	next, ok := FindNextStep(g, "start", routerInput{Amount: 5})
	require.True(t, ok)
	assert.Equal(t, "charge", next)
}

func TestFindNextStepNoMatchingEdge(t *testing.T) {
	g := buildLinearGraph(t)
	_, ok := FindNextStep(g, "charge", routerOutput{})
	assert.False(t, ok, "charge has no outgoing edges")
}

func TestFindBranchTargetPrefersValueMatchOverOtherwise(t *testing.T) {
	b := graph.NewBuilder("g", "v1")
	b.Step("start", func(in routerInput, ctx *workflow.WorkflowContext) (routerInput, error) { return in, nil }, graph.AsInitial())
	b.On("route", routerInput{}, func(v interface{}) interface{} { return v.(routerInput).Amount > 100 }).
		Is(true, "big").Otherwise("small")
	b.Step("big", func(in routerInput, ctx *workflow.WorkflowContext) (routerOutput, error) { return routerOutput{}, nil })
	b.Step("small", func(in routerInput, ctx *workflow.WorkflowContext) (routerOutput, error) { return routerOutput{}, nil })
	b.Sequential("start", "route")
	g, err := b.Build()
	require.NoError(t, err)

	target, ok := FindBranchTarget(g, "route", graph.ValueMarker{Value: true})
	require.True(t, ok)
	assert.Equal(t, "big", target)

	target, ok = FindBranchTarget(g, "route", graph.ValueMarker{Value: false})
	require.True(t, ok)
	assert.Equal(t, "small", target, "a value with no .Is match falls back to .Otherwise")
}

func TestFindBranchTargetTrueFalseMarkers(t *testing.T) {
	b := graph.NewBuilder("g", "v1")
	b.Step("start", func(in routerInput, ctx *workflow.WorkflowContext) (routerInput, error) { return in, nil }, graph.AsInitial())
	b.Branch("decide", routerInput{}, func(v interface{}) bool { return true }, "big", "small")
	b.Step("big", func(in routerInput, ctx *workflow.WorkflowContext) (routerOutput, error) { return routerOutput{}, nil })
	b.Step("small", func(in routerInput, ctx *workflow.WorkflowContext) (routerOutput, error) { return routerOutput{}, nil })
	b.Sequential("start", "decide")
	g, err := b.Build()
	require.NoError(t, err)

	target, ok := FindBranchTarget(g, "decide", graph.TrueMarker{})
	require.True(t, ok)
	assert.Equal(t, "big", target)

	target, ok = FindBranchTarget(g, "decide", graph.FalseMarker{})
	require.True(t, ok)
	assert.Equal(t, "small", target)
}

func TestFindStepForInputTypeSkipsExcluded(t *testing.T) {
	g := buildLinearGraph(t)
	id, ok := FindStepForInputType(g, reflect.TypeOf(routerInput{}), "start")
	require.True(t, ok)
	assert.Equal(t, "charge", id, "'start' is excluded, so the next step accepting routerInput is returned")

	id, ok = FindStepForInputType(g, reflect.TypeOf(routerInput{}), "charge")
	require.True(t, ok)
	assert.Equal(t, "start", id)
}

func TestPrepareInputInitialStepReceivesTriggerData(t *testing.T) {
	g := buildLinearGraph(t)
	registry := workflow.NewTypeRegistry()
	registry.Register("routerInput", routerInput{})
	converter := workflow.NewJSONConverter()

	trigger, err := workflow.Of(routerInput{Amount: 42}, registry, converter)
	require.NoError(t, err)

	inst := workflow.NewWorkflowInstance("i1", "g", "v1", "start", trigger, 0)
	step, _ := g.Step("start")

	input, err := PrepareInput(g, step, inst, registry)
	require.NoError(t, err)
	assert.Equal(t, routerInput{Amount: 42}, input)
}

func TestPrepareInputWalksHistoryMostRecentFirstExactMatchWins(t *testing.T) {
	g := buildLinearGraph(t)
	registry := workflow.NewTypeRegistry()
	registry.Register("routerInput", routerInput{})
	registry.Register("routerOutput", routerOutput{})
	converter := workflow.NewJSONConverter()

	trigger, err := workflow.Of(routerInput{Amount: 1}, registry, converter)
	require.NoError(t, err)
	inst := workflow.NewWorkflowInstance("i1", "g", "v1", "start", trigger, 0)

	older, err := workflow.Of(routerInput{Amount: 2}, registry, converter)
	require.NoError(t, err)
	newer, err := workflow.Of(routerInput{Amount: 3}, registry, converter)
	require.NoError(t, err)
	inst.Context.SetOutput("older-step", older)
	inst.Context.SetOutput("newer-step", newer)

	step, _ := g.Step("charge")
	input, err := PrepareInput(g, step, inst, registry)
	require.NoError(t, err)
	assert.Equal(t, routerInput{Amount: 3}, input, "the most recently written compatible output wins")
}

func TestPrepareInputUnresolvedReturnsNilNil(t *testing.T) {
	g := buildLinearGraph(t)
	registry := workflow.NewTypeRegistry()
	registry.Register("routerInput", routerInput{})
	converter := workflow.NewJSONConverter()

	trigger, err := workflow.Of(routerInput{Amount: 1}, registry, converter)
	require.NoError(t, err)
	inst := workflow.NewWorkflowInstance("i1", "g", "v1", "start", trigger, 0)

	step, _ := g.Step("charge")
	input, err := PrepareInput(g, step, inst, registry)
	require.NoError(t, err)
	assert.Nil(t, input, "no compatible output exists yet, so the executor is invoked with nil input")
}
