package workflow

import (
	"sync"

	"go.uber.org/zap"
)

// Listener receives workflow-lifecycle and step-lifecycle
// notifications (§6). Implementations MUST NOT panic; the engine
// isolates and logs listener failures rather than letting them change
// workflow outcome (§4.5, §7). Embedding NoopListener lets callers
// implement only the events they care about, the way the teacher's
// small-interface-plus-defaults convention works elsewhere.
type Listener interface {
	OnInstanceStarted(instanceID, workflowID string)
	OnInstanceSuspended(instanceID, stepID string)
	OnInstanceResumed(instanceID, stepID string)
	OnInstanceCompleted(instanceID string, result interface{})
	OnInstanceFailed(instanceID string, errInfo ErrorInfo)
	OnInstanceCancelled(instanceID string)

	BeforeStep(instanceID, stepID string, input interface{})
	AfterStep(instanceID, stepID string, result StepResult)

	BeforeRetry(instanceID, stepID string, attempt int)
	OnRetrySuccess(instanceID, stepID string, attempt int)
	OnRetryFailure(instanceID, stepID string, attempt int, err error, willRetry bool)
	OnRetryAborted(instanceID, stepID string, err error)
	OnRetryExhausted(instanceID, stepID string, err error)
}

// NoopListener implements Listener with no-ops; embed it to pick and
// choose which callbacks to override.
type NoopListener struct{}

func (NoopListener) OnInstanceStarted(string, string)             {}
func (NoopListener) OnInstanceSuspended(string, string)            {}
func (NoopListener) OnInstanceResumed(string, string)              {}
func (NoopListener) OnInstanceCompleted(string, interface{})       {}
func (NoopListener) OnInstanceFailed(string, ErrorInfo)            {}
func (NoopListener) OnInstanceCancelled(string)                    {}
func (NoopListener) BeforeStep(string, string, interface{})        {}
func (NoopListener) AfterStep(string, string, StepResult)          {}
func (NoopListener) BeforeRetry(string, string, int)               {}
func (NoopListener) OnRetrySuccess(string, string, int)            {}
func (NoopListener) OnRetryFailure(string, string, int, error, bool) {}
func (NoopListener) OnRetryAborted(string, string, error)          {}
func (NoopListener) OnRetryExhausted(string, string, error)        {}

var _ Listener = NoopListener{}

// Broadcaster fans notifications out to a mutable set of listeners,
// isolating panics from any one of them. Grounded on pkg/api/mel.go's
// mutex-guarded registry pattern.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	log       *zap.Logger
}

// NewBroadcaster creates an empty Broadcaster. A nil logger falls
// back to zap.NewNop().
func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{listeners: make(map[string]Listener), log: log}
}

// Add registers listener under id, replacing any listener previously
// registered under the same id.
func (b *Broadcaster) Add(id string, listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[id] = listener
}

// Remove unregisters the listener at id, if any.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

// Each invokes fn for every registered listener, recovering from and
// discarding any panic so one misbehaving listener cannot affect
// others or the caller.
func (b *Broadcaster) Each(fn func(Listener)) {
	b.mu.RLock()
	snapshot := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		snapshot = append(snapshot, l)
	}
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.invokeSafely(l, fn)
	}
}

func (b *Broadcaster) invokeSafely(l Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("workflow listener panicked, ignoring", zap.Any("recovered", r))
		}
	}()
	fn(l)
}
