// Package asynctask implements AsyncTaskManager and ProgressTracker
// (§4.7): dispatching Async step results onto a worker pool, tracking
// their progress, and resuming the owning instance when they
// complete. Grounded on pkg/execution/worker.go's currentSteps
// tracking (a mutex-guarded map[uuid.UUID]*WorkflowStep) and its
// processQueueItem dispatch-by-goroutine pattern, generalized from
// queue items to handler-pattern-resolved async tasks.
package asynctask

import (
	"strings"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
)

// ResolveHandler implements §4.7 step 2's pattern resolution: exact
// taskId match, then exact stepId match, then prefix-* match (tested
// against both taskId and stepId), then the last-resort "*" wildcard.
func ResolveHandler(g *graph.Graph, taskID, stepID string) (graph.AsyncHandlerFunc, bool) {
	entries := g.AsyncHandlers()

	for _, e := range entries {
		if e.Pattern == taskID {
			return e.Handler, true
		}
	}
	for _, e := range entries {
		if e.Pattern == stepID {
			return e.Handler, true
		}
	}
	for _, e := range entries {
		if prefix, ok := prefixOf(e.Pattern); ok {
			if strings.HasPrefix(taskID, prefix) || strings.HasPrefix(stepID, prefix) {
				return e.Handler, true
			}
		}
	}
	for _, e := range entries {
		if e.Pattern == "*" {
			return e.Handler, true
		}
	}
	return nil, false
}

func prefixOf(pattern string) (string, bool) {
	if pattern == "*" {
		return "", false
	}
	if strings.HasSuffix(pattern, "-*") {
		return strings.TrimSuffix(pattern, "*"), true
	}
	return "", false
}
