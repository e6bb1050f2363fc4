package workflow

// SuspensionData is external to the instance, keyed by instanceId and
// also retrievable by messageId (§3). Created at suspension, deleted
// on resume. Grounded on the suspend-like fields already present on
// pkg/execution/types.go's WorkflowStep (NextRetryAt, ErrorDetails),
// generalized into a dedicated record.
type SuspensionData struct {
	MessageID             string
	InstanceID            string
	PromptToUser          interface{}
	Metadata              map[string]interface{}
	OriginalStepInput     interface{}
	OriginalStepInputType string
	SuspendedStepID       string
	NextInputClass        string
	CreatedAt             int64
}

// AsyncStatus is an AsyncStepState's lifecycle state.
type AsyncStatus string

const (
	AsyncRunning   AsyncStatus = "RUNNING"
	AsyncCompleted AsyncStatus = "COMPLETED"
	AsyncCancelled AsyncStatus = "CANCELLED"
	AsyncFailed    AsyncStatus = "FAILED"
)

// AsyncStepState tracks one in-flight async step (§3/§4.7).
type AsyncStepState struct {
	MessageID      string
	TaskID         string
	InstanceID     string
	PercentComplete int
	StatusMessage  string
	Status         AsyncStatus
	FinalResult    StepResult
	Err            error
	CreatedAt      int64
	UpdatedAt      int64
}
