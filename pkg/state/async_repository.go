package state

import (
	"context"
	"sync"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// MemoryAsyncStateRepository is the reference AsyncStepStateRepository,
// keyed by messageId (§4.3).
type MemoryAsyncStateRepository struct {
	mu       sync.RWMutex
	byMsgID  map[string]*workflow.AsyncStepState
}

func NewMemoryAsyncStateRepository() *MemoryAsyncStateRepository {
	return &MemoryAsyncStateRepository{byMsgID: make(map[string]*workflow.AsyncStepState)}
}

func (r *MemoryAsyncStateRepository) Save(_ context.Context, s *workflow.AsyncStepState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byMsgID[s.MessageID] = &cp
	return nil
}

func (r *MemoryAsyncStateRepository) Find(_ context.Context, messageID string) (*workflow.AsyncStepState, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byMsgID[messageID]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (r *MemoryAsyncStateRepository) Delete(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byMsgID, messageID)
	return nil
}

// UpdateProgress atomically updates percent/message, re-reading
// before mutating so a concurrent cancellation isn't clobbered (§5:
// "the manager always re-reads before mutating to avoid lost
// updates").
func (r *MemoryAsyncStateRepository) UpdateProgress(_ context.Context, messageID string, percent int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byMsgID[messageID]
	if !ok {
		return workflow.NewEngineError(workflow.ErrInvalidArgument, "no async state for messageId "+messageID, nil)
	}
	if percent >= 0 {
		s.PercentComplete = percent
	}
	if message != "" {
		s.StatusMessage = message
	}
	return nil
}
