package workflow

// Reserved WorkflowContext keys, per §3.
const (
	KeyFinal             = "__final__"
	KeyUserInput         = "__userInput__"
	KeyUserInputType     = "__userInputType__"
	KeyResumedStepInput  = "__resumedStepInput__"
	KeyAsyncFuture       = AsyncFutureKey
)

// WorkflowContext is the mutable per-instance state threaded through
// every step. Outputs are insertion-ordered so InputPreparer can walk
// "most recent to oldest" (§4.8 rule 3) without a separate history
// scan; RetryExecutor and StepRouter share it for per-step counters.
type WorkflowContext struct {
	RunID       string
	TriggerData StepOutput

	order   []string
	outputs map[string]StepOutput

	retryContexts map[string]*RetryContext
	execCounts    map[string]int
}

// NewWorkflowContext creates an empty context for runID.
func NewWorkflowContext(runID string, triggerData StepOutput) *WorkflowContext {
	return &WorkflowContext{
		RunID:         runID,
		TriggerData:   triggerData,
		outputs:       make(map[string]StepOutput),
		retryContexts: make(map[string]*RetryContext),
		execCounts:    make(map[string]int),
	}
}

// SetOutput records (or overwrites) the output for key (a stepId or a
// reserved key), preserving insertion order for new keys.
func (c *WorkflowContext) SetOutput(key string, out StepOutput) {
	if _, exists := c.outputs[key]; !exists {
		c.order = append(c.order, key)
	}
	c.outputs[key] = out
}

// GetOutput returns the output stored under key, if any.
func (c *WorkflowContext) GetOutput(key string) (StepOutput, bool) {
	out, ok := c.outputs[key]
	return out, ok
}

// RemoveOutput deletes key from the context (used to consume
// __userInput__/__userInputType__ on resume).
func (c *WorkflowContext) RemoveOutput(key string) {
	if _, exists := c.outputs[key]; !exists {
		return
	}
	delete(c.outputs, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// OutputsMostRecentFirst returns (key, output) pairs from most
// recently written to oldest, for InputPreparer's history walk.
func (c *WorkflowContext) OutputsMostRecentFirst() []struct {
	Key    string
	Output StepOutput
} {
	result := make([]struct {
		Key    string
		Output StepOutput
	}, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0; i-- {
		k := c.order[i]
		result = append(result, struct {
			Key    string
			Output StepOutput
		}{Key: k, Output: c.outputs[k]})
	}
	return result
}

// RetryContextFor returns (creating if absent) the RetryContext for stepID.
func (c *WorkflowContext) RetryContextFor(stepID string, maxAttempts int) *RetryContext {
	rc, ok := c.retryContexts[stepID]
	if !ok {
		rc = &RetryContext{StepID: stepID, MaxAttempts: maxAttempts}
		c.retryContexts[stepID] = rc
	}
	return rc
}

// ResetRetryContext drops stepID's retry context, e.g. after a
// successful non-retried execution that shouldn't carry stale
// attempt history forward if the step runs again later.
func (c *WorkflowContext) ResetRetryContext(stepID string) {
	delete(c.retryContexts, stepID)
}

// IncrementExecCount bumps and returns stepID's invocation count.
func (c *WorkflowContext) IncrementExecCount(stepID string) int {
	c.execCounts[stepID]++
	return c.execCounts[stepID]
}

// ExecCount returns stepID's current invocation count without mutating it.
func (c *WorkflowContext) ExecCount(stepID string) int {
	return c.execCounts[stepID]
}

// Clone returns an independent copy of c: its order slice and
// outputs/retryContexts/execCounts maps are freshly allocated, so
// mutating the clone (SetOutput, IncrementExecCount, ...) cannot
// corrupt the original. StepOutput values themselves need no deep
// copy — they carry no exported mutable state reachable from a map
// read.
func (c *WorkflowContext) Clone() *WorkflowContext {
	cp := &WorkflowContext{
		RunID:         c.RunID,
		TriggerData:   c.TriggerData,
		order:         append([]string(nil), c.order...),
		outputs:       make(map[string]StepOutput, len(c.outputs)),
		retryContexts: make(map[string]*RetryContext, len(c.retryContexts)),
		execCounts:    make(map[string]int, len(c.execCounts)),
	}
	for k, v := range c.outputs {
		cp.outputs[k] = v
	}
	for k, rc := range c.retryContexts {
		rcCopy := *rc
		rcCopy.PriorAttempts = append([]AttemptRecord(nil), rc.PriorAttempts...)
		cp.retryContexts[k] = &rcCopy
	}
	for k, v := range c.execCounts {
		cp.execCounts[k] = v
	}
	return cp
}

// ExecutionRecord is one entry in a WorkflowInstance's execution
// history: one step invocation, successful or not.
type ExecutionRecord struct {
	StepID     string
	Input      interface{}
	Output     interface{}
	DurationMs int64
	Success    bool
	Timestamp  int64 // unix millis
}
