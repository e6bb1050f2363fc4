package asynctask

import (
	"context"
	"sync"

	"github.com/driftkit-ai/driftkit-framework/pkg/state"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// ProgressTracker implements graph.ProgressReporter for one in-flight
// async task, mirroring updates into the AsyncStepStateRepository
// (§4.7 step 3) and re-reading before answering IsCancelled so a
// concurrent cancelAsyncOperation call is observed promptly (§5: "the
// manager always re-reads before mutating to avoid lost updates").
type ProgressTracker struct {
	ctx       context.Context
	repo      state.AsyncStepStateRepository
	messageID string

	mu          sync.Mutex
	lastPercent int
}

// NewProgressTracker builds a tracker bound to one async task's
// messageId.
func NewProgressTracker(ctx context.Context, repo state.AsyncStepStateRepository, messageID string) *ProgressTracker {
	return &ProgressTracker{ctx: ctx, repo: repo, messageID: messageID}
}

// UpdateProgress implements graph.ProgressReporter. percent<0
// preserves the currently recorded percent (§4.7 step 3).
func (p *ProgressTracker) UpdateProgress(percent int, message string) {
	p.mu.Lock()
	if percent >= 0 {
		p.lastPercent = percent
	}
	effective := p.lastPercent
	p.mu.Unlock()

	if percent < 0 {
		percent = effective
	}
	_ = p.repo.UpdateProgress(p.ctx, p.messageID, percent, message)
}

// IsCancelled implements graph.ProgressReporter.
func (p *ProgressTracker) IsCancelled() bool {
	s, found, err := p.repo.Find(p.ctx, p.messageID)
	if err != nil || !found {
		return false
	}
	return s.Status == workflow.AsyncCancelled
}
