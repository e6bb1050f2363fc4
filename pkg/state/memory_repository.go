package state

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// MemoryStateRepository is the reference in-memory StateRepository
// (§4.3). Grounded on pkg/api/mel.go's melImpl: a mutex-guarded map
// plus defensive-copy read paths, generalized with a configurable
// capacity and the terminal-first eviction policy the spec requires.
type MemoryStateRepository struct {
	mu       sync.RWMutex
	byID     map[string]*workflow.WorkflowInstance
	capacity int
	log      *zap.Logger
}

// NewMemoryStateRepository creates a repository bounded at capacity
// instances (0 or negative means unbounded).
func NewMemoryStateRepository(capacity int, log *zap.Logger) *MemoryStateRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryStateRepository{
		byID:     make(map[string]*workflow.WorkflowInstance),
		capacity: capacity,
		log:      log,
	}
}

func (r *MemoryStateRepository) Save(_ context.Context, instance *workflow.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[instance.InstanceID]; !exists && r.capacity > 0 && len(r.byID) >= r.capacity {
		r.evictLocked()
	}
	r.byID[instance.InstanceID] = instance.Clone()
	return nil
}

// evictLocked must be called with mu held for writing.
func (r *MemoryStateRepository) evictLocked() {
	var terminalCandidate, anyCandidate *workflow.WorkflowInstance
	for _, inst := range r.byID {
		if inst.Status.IsTerminal() {
			if terminalCandidate == nil || inst.CreatedAt < terminalCandidate.CreatedAt {
				terminalCandidate = inst
			}
		}
		if anyCandidate == nil || inst.CreatedAt < anyCandidate.CreatedAt {
			anyCandidate = inst
		}
	}
	if terminalCandidate != nil {
		delete(r.byID, terminalCandidate.InstanceID)
		return
	}
	if anyCandidate != nil {
		r.log.Warn("evicting non-terminal instance at capacity",
			zap.String("instanceId", anyCandidate.InstanceID),
			zap.String("status", string(anyCandidate.Status)))
		delete(r.byID, anyCandidate.InstanceID)
	}
}

func (r *MemoryStateRepository) Load(_ context.Context, instanceID string) (*workflow.WorkflowInstance, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[instanceID]
	if !ok {
		return nil, false, nil
	}
	return inst.Clone(), true, nil
}

func (r *MemoryStateRepository) Delete(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, instanceID)
	return nil
}

func (r *MemoryStateRepository) FindByStatus(_ context.Context, status workflow.InstanceStatus) ([]*workflow.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*workflow.WorkflowInstance
	for _, inst := range r.byID {
		if inst.Status == status {
			out = append(out, inst.Clone())
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (r *MemoryStateRepository) FindByWorkflowID(_ context.Context, workflowID string) ([]*workflow.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*workflow.WorkflowInstance
	for _, inst := range r.byID {
		if inst.WorkflowID == workflowID {
			out = append(out, inst.Clone())
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (r *MemoryStateRepository) FindByWorkflowIDAndStatus(_ context.Context, workflowID string, status workflow.InstanceStatus) ([]*workflow.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*workflow.WorkflowInstance
	for _, inst := range r.byID {
		if inst.WorkflowID == workflowID && inst.Status == status {
			out = append(out, inst.Clone())
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (r *MemoryStateRepository) CountByStatus(_ context.Context, status workflow.InstanceStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.byID {
		if inst.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *MemoryStateRepository) DeleteCompletedOlderThan(_ context.Context, ageDays int, nowUnixMillis int64) (int, error) {
	cutoff := nowUnixMillis - int64(ageDays)*24*60*60*1000
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, inst := range r.byID {
		if inst.Status.IsTerminal() && inst.CompletedAt != nil && *inst.CompletedAt < cutoff {
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}

func sortByCreatedAt(instances []*workflow.WorkflowInstance) {
	sort.Slice(instances, func(i, j int) bool { return instances[i].CreatedAt < instances[j].CreatedAt })
}
