// Package state defines the durable repository contracts (§4.3) and
// provides in-memory, Postgres, and Redis backends.
package state

import (
	"context"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// StateRepository stores WorkflowInstance snapshots. save is total
// and atomic with respect to other save/load calls on the same
// instanceId; read paths return defensive copies so external
// mutation cannot corrupt stored state.
type StateRepository interface {
	Save(ctx context.Context, instance *workflow.WorkflowInstance) error
	Load(ctx context.Context, instanceID string) (*workflow.WorkflowInstance, bool, error)
	Delete(ctx context.Context, instanceID string) error

	FindByStatus(ctx context.Context, status workflow.InstanceStatus) ([]*workflow.WorkflowInstance, error)
	FindByWorkflowID(ctx context.Context, workflowID string) ([]*workflow.WorkflowInstance, error)
	FindByWorkflowIDAndStatus(ctx context.Context, workflowID string, status workflow.InstanceStatus) ([]*workflow.WorkflowInstance, error)
	CountByStatus(ctx context.Context, status workflow.InstanceStatus) (int, error)
	DeleteCompletedOlderThan(ctx context.Context, ageDays int, nowUnixMillis int64) (int, error)
}

// SuspensionDataRepository stores SuspensionData, keyed by instanceId
// with a secondary lookup by messageId (§3/§6).
type SuspensionDataRepository interface {
	Save(ctx context.Context, data *workflow.SuspensionData) error
	FindByInstanceID(ctx context.Context, instanceID string) (*workflow.SuspensionData, bool, error)
	FindByMessageID(ctx context.Context, messageID string) (*workflow.SuspensionData, bool, error)
	Delete(ctx context.Context, instanceID string) error
}

// AsyncStepStateRepository stores AsyncStepState, keyed by messageId.
type AsyncStepStateRepository interface {
	Save(ctx context.Context, state *workflow.AsyncStepState) error
	Find(ctx context.Context, messageID string) (*workflow.AsyncStepState, bool, error)
	Delete(ctx context.Context, messageID string) error
	UpdateProgress(ctx context.Context, messageID string, percent int, message string) error
}
