package asynctask

import (
	"context"
	"sync"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// Future is the future-based async variant of §4.7's last paragraph:
// a step's TaskArgs may carry one under workflow.AsyncFutureKey
// instead of naming a taskId handler. Completing it resumes the
// waiting manager directly.
type Future struct {
	mu    sync.Mutex
	done  chan struct{}
	value interface{}
	err   error
	fired bool
}

// NewFuture returns a pending Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future exactly once; subsequent calls are
// no-ops.
func (f *Future) Complete(value interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fired {
		return
	}
	f.fired = true
	f.value, f.err = value, err
	close(f.done)
}

// Wait blocks until the future completes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resultFromFutureValue implements §4.7's future-completion wrapping:
// if the value is already a StepResult it is used directly, otherwise
// it is wrapped Finish (no outgoing edges) or Continue.
func resultFromFutureValue(value interface{}, hasOutgoingEdges bool) workflow.StepResult {
	if sr, ok := value.(workflow.StepResult); ok {
		return sr
	}
	if hasOutgoingEdges {
		return &workflow.Continue{Data: value}
	}
	return &workflow.Finish{Result: value}
}
