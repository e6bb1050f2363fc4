package graph

import (
	"fmt"
	"reflect"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// Builder is the fluent assembler that produces a Graph from
// method-reference-style step definitions with type inference (§4.1).
// Reflection is Go's idiomatic substitute for the source language's
// method-reference type inspection — the same mechanism
// pkg/api/adapters.go's inferDataType/AutoDetectNodeType use to
// recover a handler's data shape at registration time.
type Builder struct {
	id, version string

	steps       map[string]*StepNode
	order       []string
	edges       map[string][]Edge
	initialStep string

	asyncHandlers []AsyncHandlerEntry

	err error
}

// NewBuilder starts a graph with the given id/version.
func NewBuilder(id, version string) *Builder {
	return &Builder{
		id:      id,
		version: version,
		steps:   make(map[string]*StepNode),
		edges:   make(map[string][]Edge),
	}
}

// StepOption configures a node added via Step.
type StepOption func(*StepNode)

// AsInitial marks the step as the graph's entry point. The first step
// added becomes initial by default if none is marked explicitly.
func AsInitial() StepOption { return func(n *StepNode) { n.IsInitial = true } }

// WithInvocationLimit overrides the default invocation limit (100).
func WithInvocationLimit(limit int) StepOption {
	return func(n *StepNode) { n.InvocationLimit = limit }
}

// WithOnInvocationsLimit sets the behavior when the limit is exceeded.
func WithOnInvocationsLimit(b OnInvocationsLimit) StepOption {
	return func(n *StepNode) { n.OnInvocationsLimit = b }
}

// WithRetryPolicy attaches a per-step retry policy.
func WithRetryPolicy(p workflow.RetryPolicy) StepOption {
	return func(n *StepNode) { n.RetryPolicy = &p }
}

// WithCircuitBreaker attaches a per-step circuit-breaker config.
func WithCircuitBreaker(c workflow.CircuitBreakerConfig) StepOption {
	return func(n *StepNode) { n.CircuitBreaker = &c }
}

// WithOutputType overrides reflection-inferred output type; required
// when the handler returns workflow.StepResult directly (an
// interface, so reflection cannot recover the eventual payload type).
func WithOutputType(zero interface{}) StepOption {
	t := reflect.TypeOf(zero)
	return func(n *StepNode) { n.OutputType = t }
}

var contextType = reflect.TypeOf((*workflow.WorkflowContext)(nil))
var stepResultType = reflect.TypeOf((*workflow.StepResult)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Step adds a node, inferring input/output types from handler's
// signature. handler must be a func with exactly two parameters — the
// step input (any concrete type) and *workflow.WorkflowContext, in
// either order — and return either (R, error) or
// (workflow.StepResult, error). Per §4.1 rule 3, a non-StepResult
// return value is auto-wrapped into Continue at execution time.
func (b *Builder) Step(id string, handler interface{}, opts ...StepOption) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.steps[id]; exists {
		b.err = fmt.Errorf("duplicate step id %q", id)
		return b
	}

	hv := reflect.ValueOf(handler)
	ht := hv.Type()
	if ht.Kind() != reflect.Func || ht.NumIn() != 2 || ht.NumOut() != 2 {
		b.err = fmt.Errorf("step %q: handler must be func(input, *workflow.WorkflowContext) (R, error)", id)
		return b
	}
	if !ht.Out(1).Implements(errorType) {
		b.err = fmt.Errorf("step %q: handler's second return value must be error", id)
		return b
	}

	inputType, ctxPos, err := inferInputType(ht)
	if err != nil {
		b.err = fmt.Errorf("step %q: %w", id, err)
		return b
	}

	outType := ht.Out(0)
	returnsStepResult := outType == stepResultType || outType.Implements(stepResultType)

	node := &StepNode{
		ID:                 id,
		InputType:          inputType,
		OutputType:         outType,
		IsInitial:          len(b.steps) == 0,
		InvocationLimit:    100,
		OnInvocationsLimit: OnLimitError,
		Executor: func(input interface{}, ctx *workflow.WorkflowContext) (interface{}, error) {
			args := make([]reflect.Value, 2)
			args[ctxPos] = reflect.ValueOf(ctx)
			inPos := 1 - ctxPos
			if input == nil {
				args[inPos] = reflect.Zero(inputType)
			} else {
				args[inPos] = reflect.ValueOf(input)
			}
			results := hv.Call(args)
			var retErr error
			if e, ok := results[1].Interface().(error); ok {
				retErr = e
			}
			if returnsStepResult {
				if results[0].IsNil() {
					return nil, retErr
				}
				return results[0].Interface(), retErr
			}
			return results[0].Interface(), retErr
		},
	}

	for _, opt := range opts {
		opt(node)
	}
	if node.IsInitial {
		if prev, ok := b.steps[b.initialStep]; ok {
			prev.IsInitial = false
		}
		b.initialStep = id
	}

	b.steps[id] = node
	b.order = append(b.order, id)
	return b
}

func inferInputType(ht reflect.Type) (reflect.Type, int, error) {
	p0, p1 := ht.In(0), ht.In(1)
	p0IsCtx := p0 == contextType
	p1IsCtx := p1 == contextType
	switch {
	case p0IsCtx && !p1IsCtx:
		return p1, 0, nil
	case p1IsCtx && !p0IsCtx:
		return p0, 1, nil
	default:
		return nil, 0, fmt.Errorf("exactly one parameter must be *workflow.WorkflowContext")
	}
}

// Sequential adds a Sequential(from, to) edge in declaration order.
func (b *Builder) Sequential(from, to string) *Builder {
	b.edges[from] = append(b.edges[from], Edge{Kind: EdgeSequential, From: from, To: to})
	return b
}

// BranchOnType adds a BranchOnType edge keyed by a marker type (a
// zero-value sample of the marker, e.g. TrueMarker{}).
func (b *Builder) BranchOnType(from, to string, marker interface{}) *Builder {
	b.edges[from] = append(b.edges[from], Edge{Kind: EdgeBranchOnType, From: from, To: to, MarkerType: reflect.TypeOf(marker)})
	return b
}

// BranchOnValue adds a BranchOnValue edge keyed by both marker type
// and value.
func (b *Builder) BranchOnValue(from, to string, marker interface{}, value interface{}) *Builder {
	b.edges[from] = append(b.edges[from], Edge{Kind: EdgeBranchOnValue, From: from, To: to, MarkerType: reflect.TypeOf(marker), Value: value})
	return b
}

// TrueMarker / FalseMarker are the branch markers Branch() emits.
type TrueMarker struct{}
type FalseMarker struct{}

// Branch emits a decision node at id that evaluates predicate(input)
// and returns Branch(TrueMarker{}) or Branch(FalseMarker{}), wired to
// trueFlow/falseFlow via two BranchOnType edges (§4.1).
func (b *Builder) Branch(id string, inputZero interface{}, predicate func(interface{}) bool, trueFlow, falseFlow string) *Builder {
	if b.err != nil {
		return b
	}
	inputType := reflect.TypeOf(inputZero)
	node := &StepNode{
		ID:                 id,
		InputType:          inputType,
		OutputType:         reflect.TypeOf(TrueMarker{}),
		InvocationLimit:    100,
		OnInvocationsLimit: OnLimitError,
		Executor: func(input interface{}, _ *workflow.WorkflowContext) (interface{}, error) {
			if predicate(input) {
				return &workflow.Branch{Event: TrueMarker{}}, nil
			}
			return &workflow.Branch{Event: FalseMarker{}}, nil
		},
	}
	if len(b.steps) == 0 {
		node.IsInitial = true
		b.initialStep = id
	}
	b.steps[id] = node
	b.order = append(b.order, id)
	b.BranchOnType(id, trueFlow, TrueMarker{})
	b.BranchOnType(id, falseFlow, FalseMarker{})
	return b
}

// ValueMarker wraps a selector's result for BranchOnValue dispatch.
type ValueMarker struct{ Value interface{} }

// OnBuilder is the fluent handle returned by Builder.On, mirroring
// §4.1's `on(selector).is(value,flow).otherwise(flow)`.
type OnBuilder struct {
	b       *Builder
	id      string
	entries []Edge
}

// On starts a value-branch decision node at id: selector(input)
// produces a comparable value routed by .Is/.Otherwise.
func (b *Builder) On(id string, inputZero interface{}, selector func(interface{}) interface{}) *OnBuilder {
	if b.err != nil {
		return &OnBuilder{b: b, id: id}
	}
	inputType := reflect.TypeOf(inputZero)
	node := &StepNode{
		ID:                 id,
		InputType:          inputType,
		OutputType:         reflect.TypeOf(ValueMarker{}),
		InvocationLimit:    100,
		OnInvocationsLimit: OnLimitError,
		Executor: func(input interface{}, _ *workflow.WorkflowContext) (interface{}, error) {
			return &workflow.Branch{Event: ValueMarker{Value: selector(input)}}, nil
		},
	}
	if len(b.steps) == 0 {
		node.IsInitial = true
		b.initialStep = id
	}
	b.steps[id] = node
	b.order = append(b.order, id)
	return &OnBuilder{b: b, id: id}
}

// Is routes value to targetStepID.
func (ob *OnBuilder) Is(value interface{}, targetStepID string) *OnBuilder {
	ob.b.edges[ob.id] = append(ob.b.edges[ob.id], Edge{
		Kind: EdgeBranchOnValue, From: ob.id, To: targetStepID,
		MarkerType: reflect.TypeOf(ValueMarker{}), Value: value,
	})
	return ob
}

// Otherwise adds the fallback edge (BranchOnType on ValueMarker with
// no Value set acts as the router's last-resort match — see
// pkg/router) and returns to the Builder.
func (ob *OnBuilder) Otherwise(targetStepID string) *Builder {
	ob.b.edges[ob.id] = append(ob.b.edges[ob.id], Edge{
		Kind: EdgeBranchOnType, From: ob.id, To: targetStepID,
		MarkerType: reflect.TypeOf(ValueMarker{}),
	})
	return ob.b
}

// Parallel emits a fan-out/synthetic-join node at id: each of
// branches runs against the same input (within the same worker — the
// single-worker-per-instance invariant of §5 is preserved, this is
// data-flow fan-out, not execution concurrency), and the join
// forwards the aggregated []interface{} as Continue. Grounded on
// pkg/core/patterns.go's AggregatorNode (mutex-guarded result
// storage), generalized from a streaming aggregator into a
// synchronous join.
func (b *Builder) Parallel(id string, inputZero interface{}, branches ...StepFunc) *Builder {
	if b.err != nil {
		return b
	}
	inputType := reflect.TypeOf(inputZero)
	node := &StepNode{
		ID:                 id,
		InputType:          inputType,
		OutputType:         reflect.TypeOf([]interface{}(nil)),
		InvocationLimit:    100,
		OnInvocationsLimit: OnLimitError,
		Executor: func(input interface{}, ctx *workflow.WorkflowContext) (interface{}, error) {
			results := make([]interface{}, len(branches))
			for i, branch := range branches {
				out, err := branch(input, ctx)
				if err != nil {
					return nil, fmt.Errorf("parallel branch %d: %w", i, err)
				}
				results[i] = out
			}
			return &workflow.Continue{Data: results}, nil
		},
	}
	if len(b.steps) == 0 {
		node.IsInitial = true
		b.initialStep = id
	}
	b.steps[id] = node
	b.order = append(b.order, id)
	return b
}

// WithAsyncHandler registers an async handler under pattern (`*`,
// `prefix-*`, or an exact id), stored as graph-level metadata (§4.1).
func (b *Builder) WithAsyncHandler(pattern string, handler AsyncHandlerFunc) *Builder {
	b.asyncHandlers = append(b.asyncHandlers, AsyncHandlerEntry{Pattern: pattern, Handler: handler})
	return b
}

// SetInitial overrides which step is the graph's entry point.
func (b *Builder) SetInitial(stepID string) *Builder {
	b.initialStep = stepID
	for id, n := range b.steps {
		n.IsInitial = id == stepID
	}
	return b
}

// Build validates reachability from the initial step and rejects
// duplicate ids (Step rejects them as it goes; ids reused by
// Branch/On/Parallel are caught here), returning the finished
// immutable Graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	seen := make(map[string]bool, len(b.order))
	for _, id := range b.order {
		if seen[id] {
			return nil, fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = true
	}
	if b.initialStep == "" {
		return nil, workflow.NewEngineError(workflow.ErrInvalidArgument, "graph has no initial step", nil)
	}
	if _, ok := b.steps[b.initialStep]; !ok {
		return nil, workflow.NewEngineError(workflow.ErrInvalidArgument, "initial step "+b.initialStep+" not registered", nil)
	}

	g := &Graph{
		ID:            b.id,
		Version:       b.version,
		steps:         b.steps,
		order:         b.order,
		edges:         b.edges,
		initialStep:   b.initialStep,
		asyncHandlers: b.asyncHandlers,
	}
	if initial, ok := g.steps[g.initialStep]; ok {
		g.InputType = initial.InputType
	}

	if err := validateReachability(g); err != nil {
		return nil, err
	}
	return g, nil
}
