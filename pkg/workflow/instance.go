package workflow

// InstanceStatus is a WorkflowInstance's lifecycle state.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "RUNNING"
	StatusSuspended InstanceStatus = "SUSPENDED"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusFailed    InstanceStatus = "FAILED"
	StatusCancelled InstanceStatus = "CANCELLED"
)

// IsTerminal reports whether status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo enforces §8's absorbing-terminal / RUNNING-SUSPENDED
// transition table.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusRunning:
		switch next {
		case StatusRunning, StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
	case StatusSuspended:
		switch next {
		case StatusRunning, StatusCancelled:
			return true
		}
	}
	return false
}

// WorkflowInstance is a single durable execution of a Graph.
type WorkflowInstance struct {
	InstanceID      string
	WorkflowID      string
	WorkflowVersion string
	Context         *WorkflowContext
	Status          InstanceStatus
	CurrentStepID   string
	CreatedAt       int64
	UpdatedAt       int64
	CompletedAt     *int64
	History         []ExecutionRecord
	Metadata        map[string]interface{}
	Error           *ErrorInfo
	ChatID          *string
}

// NewWorkflowInstance starts a fresh RUNNING instance at the graph's
// initial step.
func NewWorkflowInstance(instanceID, workflowID, workflowVersion, initialStepID string, triggerData StepOutput, nowUnixMillis int64) *WorkflowInstance {
	return &WorkflowInstance{
		InstanceID:      instanceID,
		WorkflowID:      workflowID,
		WorkflowVersion: workflowVersion,
		Context:         NewWorkflowContext(instanceID, triggerData),
		Status:          StatusRunning,
		CurrentStepID:   initialStepID,
		CreatedAt:       nowUnixMillis,
		UpdatedAt:       nowUnixMillis,
		Metadata:        make(map[string]interface{}),
	}
}

// RecordExecution appends rec to the instance's history and bumps
// UpdatedAt.
func (w *WorkflowInstance) RecordExecution(rec ExecutionRecord, nowUnixMillis int64) {
	w.History = append(w.History, rec)
	w.UpdatedAt = nowUnixMillis
}

// TransitionTo moves the instance to next, rejecting illegal
// transitions per the status table. Callers decide CompletedAt/Error.
func (w *WorkflowInstance) TransitionTo(next InstanceStatus, nowUnixMillis int64) error {
	if !w.Status.CanTransitionTo(next) {
		return NewEngineError(ErrStateViolation, "illegal transition "+string(w.Status)+" -> "+string(next), nil)
	}
	w.Status = next
	w.UpdatedAt = nowUnixMillis
	if next.IsTerminal() {
		w.CompletedAt = &nowUnixMillis
	}
	return nil
}

// Clone returns a defensive deep-enough copy suitable for a
// repository read path: mutating the returned instance's slices/maps
// must not corrupt the stored snapshot (§4.3).
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	cp := *w
	cp.History = append([]ExecutionRecord(nil), w.History...)
	cp.Metadata = make(map[string]interface{}, len(w.Metadata))
	for k, v := range w.Metadata {
		cp.Metadata[k] = v
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	if w.Error != nil {
		e := *w.Error
		e.CauseChain = append([]string(nil), w.Error.CauseChain...)
		cp.Error = &e
	}
	if w.ChatID != nil {
		id := *w.ChatID
		cp.ChatID = &id
	}
	if w.Context != nil {
		cp.Context = w.Context.Clone()
	}
	return &cp
}
