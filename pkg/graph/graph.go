// Package graph defines the immutable step graph the orchestrator
// walks, and the fluent Builder that assembles one.
package graph

import (
	"reflect"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// StepFunc is a step's executor capability: it receives the prepared
// input and the instance's context and returns a StepResult (or a
// plain value, auto-wrapped into Continue per §4.1/§4.4).
type StepFunc func(input interface{}, ctx *workflow.WorkflowContext) (interface{}, error)

// OnInvocationsLimit controls what happens when a step's per-instance
// invocation count exceeds its InvocationLimit (§4.5 step 2).
type OnInvocationsLimit int

const (
	OnLimitError OnInvocationsLimit = iota
	OnLimitStop
	OnLimitContinue
)

// StepNode is one node in the graph (§3).
type StepNode struct {
	ID                 string
	InputType          reflect.Type
	OutputType         reflect.Type
	Executor           StepFunc
	IsInitial          bool
	InvocationLimit    int
	OnInvocationsLimit OnInvocationsLimit
	RetryPolicy        *workflow.RetryPolicy
	CircuitBreaker     *workflow.CircuitBreakerConfig
}

// EdgeKind discriminates the three edge variants of §3.
type EdgeKind int

const (
	EdgeSequential EdgeKind = iota
	EdgeBranchOnType
	EdgeBranchOnValue
)

// Edge is one outgoing edge from a step.
type Edge struct {
	Kind       EdgeKind
	From       string
	To         string
	MarkerType reflect.Type // BranchOnType / BranchOnValue
	Value      interface{}  // BranchOnValue only
}

// AsyncHandlerFunc executes an async step off the main execution
// path; see pkg/asynctask.
type AsyncHandlerFunc func(taskArgs map[string]interface{}, ctx *workflow.WorkflowContext, progress ProgressReporter) (workflow.StepResult, error)

// ProgressReporter is the narrow interface AsyncHandlerFunc uses to
// report progress and observe cancellation, defined here (rather than
// in pkg/asynctask) to avoid an import cycle between graph and
// asynctask — the graph only needs the shape, not the implementation.
type ProgressReporter interface {
	UpdateProgress(percent int, message string)
	IsCancelled() bool
}

// AsyncHandlerEntry associates a taskId pattern with a handler.
type AsyncHandlerEntry struct {
	Pattern string
	Handler AsyncHandlerFunc
}

// Graph is an immutable directed graph of typed step nodes (§3). Once
// Build()-produced, a Graph is never mutated; concurrent lookups are
// lock-free, matching §5's "Graph registry: append-only after
// startup; lookups are lock-free."
type Graph struct {
	ID         string
	Version    string
	InputType  reflect.Type
	OutputType reflect.Type

	steps       map[string]*StepNode
	order       []string
	edges       map[string][]Edge
	initialStep string

	asyncHandlers []AsyncHandlerEntry
}

// Step returns the node registered under id.
func (g *Graph) Step(id string) (*StepNode, bool) {
	n, ok := g.steps[id]
	return n, ok
}

// InitialStepID returns the graph's entry step id.
func (g *Graph) InitialStepID() string { return g.initialStep }

// Edges returns the outgoing edges of fromStepID in declaration order.
func (g *Graph) Edges(fromStepID string) []Edge {
	return g.edges[fromStepID]
}

// AllSteps returns every step node in declaration order, so
// "the first step satisfying X" queries (§4.8's findStepForInputType)
// are deterministic.
func (g *Graph) AllSteps() []*StepNode {
	out := make([]*StepNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id])
	}
	return out
}

// AsyncHandlers returns the registered async-handler table.
func (g *Graph) AsyncHandlers() []AsyncHandlerEntry {
	return g.asyncHandlers
}
