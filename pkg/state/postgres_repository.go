package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// PostgresStateRepository is the durable-across-restarts
// StateRepository backend. Grounded on
// pkg/execution/engine.go's DurableExecutionEngine: plain
// database/sql + lib/pq, parameterized queries, JSON columns for
// nested structures, upsert-on-save via ON CONFLICT.
type PostgresStateRepository struct {
	db        *sql.DB
	registry  *workflow.TypeRegistry
	converter workflow.PayloadConverter
}

// NewPostgresStateRepository wraps an already-open *sql.DB (pool
// tuning and migrations are the caller's responsibility — see
// internal/db).
func NewPostgresStateRepository(db *sql.DB, registry *workflow.TypeRegistry, converter workflow.PayloadConverter) *PostgresStateRepository {
	if registry == nil {
		registry = workflow.Global()
	}
	if converter == nil {
		converter = workflow.GetConverter("json")
	}
	return &PostgresStateRepository{db: db, registry: registry, converter: converter}
}

type instanceRow struct {
	InstanceID      string
	WorkflowID      string
	WorkflowVersion string
	Status          string
	CurrentStepID   string
	CreatedAt       int64
	UpdatedAt       int64
	CompletedAt     *int64
	ContextJSON     []byte
	HistoryJSON     []byte
	MetadataJSON    []byte
	ErrorJSON       []byte
	ChatID          *string
}

func (r *PostgresStateRepository) toRow(instance *workflow.WorkflowInstance) (*instanceRow, error) {
	ctxJSON, err := json.Marshal(instance.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	historyJSON, err := json.Marshal(instance.History)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	metaJSON, err := json.Marshal(instance.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var errJSON []byte
	if instance.Error != nil {
		errJSON, err = json.Marshal(instance.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal error info: %w", err)
		}
	}
	return &instanceRow{
		InstanceID:      instance.InstanceID,
		WorkflowID:      instance.WorkflowID,
		WorkflowVersion: instance.WorkflowVersion,
		Status:          string(instance.Status),
		CurrentStepID:   instance.CurrentStepID,
		CreatedAt:       instance.CreatedAt,
		UpdatedAt:       instance.UpdatedAt,
		CompletedAt:     instance.CompletedAt,
		ContextJSON:     ctxJSON,
		HistoryJSON:     historyJSON,
		MetadataJSON:    metaJSON,
		ErrorJSON:       errJSON,
		ChatID:          instance.ChatID,
	}, nil
}

func (r *PostgresStateRepository) fromRow(row *instanceRow) (*workflow.WorkflowInstance, error) {
	rebuilt, err := workflow.DecodeContext(row.ContextJSON, r.registry, r.converter)
	if err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}

	inst := &workflow.WorkflowInstance{
		InstanceID:      row.InstanceID,
		WorkflowID:      row.WorkflowID,
		WorkflowVersion: row.WorkflowVersion,
		Status:          workflow.InstanceStatus(row.Status),
		CurrentStepID:   row.CurrentStepID,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		CompletedAt:     row.CompletedAt,
		Context:         rebuilt,
		ChatID:          row.ChatID,
	}
	if len(row.HistoryJSON) > 0 {
		if err := json.Unmarshal(row.HistoryJSON, &inst.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	if len(row.MetadataJSON) > 0 {
		if err := json.Unmarshal(row.MetadataJSON, &inst.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(row.ErrorJSON) > 0 {
		inst.Error = &workflow.ErrorInfo{}
		if err := json.Unmarshal(row.ErrorJSON, inst.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error info: %w", err)
		}
	}
	return inst, nil
}

const upsertInstanceSQL = `
INSERT INTO workflow_instances (
	instance_id, workflow_id, workflow_version, status, current_step_id,
	created_at, updated_at, completed_at, context, history, metadata, error_info, chat_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (instance_id) DO UPDATE SET
	workflow_version = EXCLUDED.workflow_version,
	status = EXCLUDED.status,
	current_step_id = EXCLUDED.current_step_id,
	updated_at = EXCLUDED.updated_at,
	completed_at = EXCLUDED.completed_at,
	context = EXCLUDED.context,
	history = EXCLUDED.history,
	metadata = EXCLUDED.metadata,
	error_info = EXCLUDED.error_info,
	chat_id = EXCLUDED.chat_id`

func (r *PostgresStateRepository) Save(ctx context.Context, instance *workflow.WorkflowInstance) error {
	row, err := r.toRow(instance)
	if err != nil {
		return workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to encode instance", err)
	}
	if _, err := r.db.ExecContext(ctx, upsertInstanceSQL,
		row.InstanceID, row.WorkflowID, row.WorkflowVersion, row.Status, row.CurrentStepID,
		row.CreatedAt, row.UpdatedAt, row.CompletedAt, row.ContextJSON, row.HistoryJSON,
		row.MetadataJSON, row.ErrorJSON, row.ChatID); err != nil {
		return workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to save instance", err)
	}
	return nil
}

const selectInstanceCols = `instance_id, workflow_id, workflow_version, status, current_step_id,
	created_at, updated_at, completed_at, context, history, metadata, error_info, chat_id`

func scanInstanceRow(scan func(...interface{}) error) (*instanceRow, error) {
	row := &instanceRow{}
	if err := scan(&row.InstanceID, &row.WorkflowID, &row.WorkflowVersion, &row.Status, &row.CurrentStepID,
		&row.CreatedAt, &row.UpdatedAt, &row.CompletedAt, &row.ContextJSON, &row.HistoryJSON,
		&row.MetadataJSON, &row.ErrorJSON, &row.ChatID); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *PostgresStateRepository) Load(ctx context.Context, instanceID string) (*workflow.WorkflowInstance, bool, error) {
	query := `SELECT ` + selectInstanceCols + ` FROM workflow_instances WHERE instance_id = $1`
	sqlRow := r.db.QueryRowContext(ctx, query, instanceID)
	row, err := scanInstanceRow(sqlRow.Scan)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to load instance", err)
	}
	inst, err := r.fromRow(row)
	if err != nil {
		return nil, false, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to decode instance", err)
	}
	return inst, true, nil
}

func (r *PostgresStateRepository) Delete(ctx context.Context, instanceID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE instance_id = $1`, instanceID); err != nil {
		return workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to delete instance", err)
	}
	return nil
}

func (r *PostgresStateRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*workflow.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to query instances", err)
	}
	defer rows.Close()
	var out []*workflow.WorkflowInstance
	for rows.Next() {
		row, err := scanInstanceRow(rows.Scan)
		if err != nil {
			return nil, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to scan instance", err)
		}
		inst, err := r.fromRow(row)
		if err != nil {
			return nil, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to decode instance", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (r *PostgresStateRepository) FindByStatus(ctx context.Context, status workflow.InstanceStatus) ([]*workflow.WorkflowInstance, error) {
	return r.queryMany(ctx, `SELECT `+selectInstanceCols+` FROM workflow_instances WHERE status = $1 ORDER BY created_at ASC`, string(status))
}

func (r *PostgresStateRepository) FindByWorkflowID(ctx context.Context, workflowID string) ([]*workflow.WorkflowInstance, error) {
	return r.queryMany(ctx, `SELECT `+selectInstanceCols+` FROM workflow_instances WHERE workflow_id = $1 ORDER BY created_at ASC`, workflowID)
}

func (r *PostgresStateRepository) FindByWorkflowIDAndStatus(ctx context.Context, workflowID string, status workflow.InstanceStatus) ([]*workflow.WorkflowInstance, error) {
	return r.queryMany(ctx, `SELECT `+selectInstanceCols+` FROM workflow_instances WHERE workflow_id = $1 AND status = $2 ORDER BY created_at ASC`, workflowID, string(status))
}

func (r *PostgresStateRepository) CountByStatus(ctx context.Context, status workflow.InstanceStatus) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_instances WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to count instances", err)
	}
	return n, nil
}

func (r *PostgresStateRepository) DeleteCompletedOlderThan(ctx context.Context, ageDays int, nowUnixMillis int64) (int, error) {
	cutoff := nowUnixMillis - int64(ageDays)*24*60*60*1000
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM workflow_instances
		WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, workflow.NewEngineError(workflow.ErrInfrastructureFailure, "failed to delete old instances", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
