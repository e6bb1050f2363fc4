package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// RedisStateRepository is the low-latency StateRepository backend for
// deployments that front Postgres with a cache, or that accept
// Redis's weaker durability guarantees in exchange for speed. Each
// instance is a single JSON string value; status and workflowId
// lookups are served by secondary-index sets so FindByStatus doesn't
// require a KEYS/SCAN sweep.
type RedisStateRepository struct {
	client    redis.UniversalClient
	keyPrefix string
	registry  *workflow.TypeRegistry
	converter workflow.PayloadConverter
}

func NewRedisStateRepository(client redis.UniversalClient, keyPrefix string, registry *workflow.TypeRegistry, converter workflow.PayloadConverter) *RedisStateRepository {
	if keyPrefix == "" {
		keyPrefix = "workflow"
	}
	if registry == nil {
		registry = workflow.Global()
	}
	if converter == nil {
		converter = workflow.GetConverter("json")
	}
	return &RedisStateRepository{client: client, keyPrefix: keyPrefix, registry: registry, converter: converter}
}

func (r *RedisStateRepository) instanceKey(instanceID string) string {
	return fmt.Sprintf("%s:instance:%s", r.keyPrefix, instanceID)
}

func (r *RedisStateRepository) statusSetKey(status workflow.InstanceStatus) string {
	return fmt.Sprintf("%s:by-status:%s", r.keyPrefix, status)
}

func (r *RedisStateRepository) workflowSetKey(workflowID string) string {
	return fmt.Sprintf("%s:by-workflow:%s", r.keyPrefix, workflowID)
}

// instanceEnvelope is the Redis value shape: the context's own
// MarshalJSON/UnmarshalJSON handles the nested snapshot, so the
// envelope only needs to carry the remaining instance fields plus a
// record of which status/workflow index sets it belongs to (so Save
// can remove stale index memberships on a status change).
type instanceEnvelope struct {
	Instance  *workflow.WorkflowInstance `json:"instance"`
	IndexedBy workflow.InstanceStatus    `json:"indexedBy"`
}

func (r *RedisStateRepository) Save(ctx context.Context, instance *workflow.WorkflowInstance) error {
	prev, found, err := r.Load(ctx, instance.InstanceID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(instanceEnvelope{Instance: instance, IndexedBy: instance.Status})
	if err != nil {
		return workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to encode instance", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.instanceKey(instance.InstanceID), payload, 0)
	if found && prev.Status != instance.Status {
		pipe.SRem(ctx, r.statusSetKey(prev.Status), instance.InstanceID)
	}
	pipe.SAdd(ctx, r.statusSetKey(instance.Status), instance.InstanceID)
	pipe.SAdd(ctx, r.workflowSetKey(instance.WorkflowID), instance.InstanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to save instance", err)
	}
	return nil
}

func (r *RedisStateRepository) decode(raw string) (*workflow.WorkflowInstance, error) {
	var env instanceEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	return env.Instance, nil
}

func (r *RedisStateRepository) Load(ctx context.Context, instanceID string) (*workflow.WorkflowInstance, bool, error) {
	raw, err := r.client.Get(ctx, r.instanceKey(instanceID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to load instance", err)
	}
	inst, err := r.decode(raw)
	if err != nil {
		return nil, false, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to decode instance", err)
	}
	return inst, true, nil
}

func (r *RedisStateRepository) Delete(ctx context.Context, instanceID string) error {
	inst, found, err := r.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.instanceKey(instanceID))
	pipe.SRem(ctx, r.statusSetKey(inst.Status), instanceID)
	pipe.SRem(ctx, r.workflowSetKey(inst.WorkflowID), instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to delete instance", err)
	}
	return nil
}

func (r *RedisStateRepository) loadMany(ctx context.Context, ids []string) ([]*workflow.WorkflowInstance, error) {
	out := make([]*workflow.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		inst, found, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, inst)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (r *RedisStateRepository) FindByStatus(ctx context.Context, status workflow.InstanceStatus) ([]*workflow.WorkflowInstance, error) {
	ids, err := r.client.SMembers(ctx, r.statusSetKey(status)).Result()
	if err != nil {
		return nil, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to list instance ids", err)
	}
	return r.loadMany(ctx, ids)
}

func (r *RedisStateRepository) FindByWorkflowID(ctx context.Context, workflowID string) ([]*workflow.WorkflowInstance, error) {
	ids, err := r.client.SMembers(ctx, r.workflowSetKey(workflowID)).Result()
	if err != nil {
		return nil, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to list instance ids", err)
	}
	return r.loadMany(ctx, ids)
}

func (r *RedisStateRepository) FindByWorkflowIDAndStatus(ctx context.Context, workflowID string, status workflow.InstanceStatus) ([]*workflow.WorkflowInstance, error) {
	key := fmt.Sprintf("%s:tmp:intersect:%s:%s", r.keyPrefix, workflowID, status)
	if err := r.client.SInterStore(ctx, key, r.workflowSetKey(workflowID), r.statusSetKey(status)).Err(); err != nil {
		return nil, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to intersect index sets", err)
	}
	defer r.client.Del(ctx, key)
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to list instance ids", err)
	}
	return r.loadMany(ctx, ids)
}

func (r *RedisStateRepository) CountByStatus(ctx context.Context, status workflow.InstanceStatus) (int, error) {
	n, err := r.client.SCard(ctx, r.statusSetKey(status)).Result()
	if err != nil {
		return 0, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to count instances", err)
	}
	return int(n), nil
}

// DeleteCompletedOlderThan has no index-backed shortcut in Redis (no
// secondary index on completedAt), so it scans the three terminal
// status sets. Acceptable here: the operation is a periodic
// housekeeping sweep, not a request-path call.
func (r *RedisStateRepository) DeleteCompletedOlderThan(ctx context.Context, ageDays int, nowUnixMillis int64) (int, error) {
	cutoff := nowUnixMillis - int64(ageDays)*24*60*60*1000
	deleted := 0
	for _, status := range []workflow.InstanceStatus{workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled} {
		instances, err := r.FindByStatus(ctx, status)
		if err != nil {
			return deleted, err
		}
		for _, inst := range instances {
			if inst.CompletedAt != nil && *inst.CompletedAt < cutoff {
				if err := r.Delete(ctx, inst.InstanceID); err != nil {
					return deleted, err
				}
				deleted++
			}
		}
	}
	return deleted, nil
}
