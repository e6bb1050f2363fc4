package state

import (
	"context"
	"sync"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// MemorySuspensionRepository is the reference SuspensionDataRepository,
// keyed by instanceId with a secondary messageId index (§4.3).
type MemorySuspensionRepository struct {
	mu         sync.RWMutex
	byInstance map[string]*workflow.SuspensionData
	byMessage  map[string]string // messageId -> instanceId
}

func NewMemorySuspensionRepository() *MemorySuspensionRepository {
	return &MemorySuspensionRepository{
		byInstance: make(map[string]*workflow.SuspensionData),
		byMessage:  make(map[string]string),
	}
}

func (r *MemorySuspensionRepository) Save(_ context.Context, data *workflow.SuspensionData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *data
	r.byInstance[data.InstanceID] = &cp
	r.byMessage[data.MessageID] = data.InstanceID
	return nil
}

func (r *MemorySuspensionRepository) FindByInstanceID(_ context.Context, instanceID string) (*workflow.SuspensionData, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byInstance[instanceID]
	if !ok {
		return nil, false, nil
	}
	cp := *d
	return &cp, true, nil
}

func (r *MemorySuspensionRepository) FindByMessageID(_ context.Context, messageID string) (*workflow.SuspensionData, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instanceID, ok := r.byMessage[messageID]
	if !ok {
		return nil, false, nil
	}
	d := r.byInstance[instanceID]
	if d == nil {
		return nil, false, nil
	}
	cp := *d
	return &cp, true, nil
}

func (r *MemorySuspensionRepository) Delete(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byInstance[instanceID]; ok {
		delete(r.byMessage, d.MessageID)
		delete(r.byInstance, instanceID)
	}
	return nil
}
