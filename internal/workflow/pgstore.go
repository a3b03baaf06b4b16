package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/requisition/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Levels and config are
// stored as JSONB documents and rewritten whole on every update.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const workflowColumns = `id, program_id, template_id, workflow_trigger_id, name, flow_type,
	status, event, hierarchy_ids, levels, config, is_updated, is_deleted, version,
	created_at, updated_at`

// SaveConfigured upserts a configured workflow.
func (s *PgStore) SaveConfigured(ctx context.Context, wf model.Workflow) error {
	levelsJSON, configJSON, err := marshalDocument(wf)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (
			id, program_id, name, flow_type, event, hierarchy_ids, levels, config,
			is_deleted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			flow_type = EXCLUDED.flow_type,
			event = EXCLUDED.event,
			hierarchy_ids = EXCLUDED.hierarchy_ids,
			levels = EXCLUDED.levels,
			config = EXCLUDED.config,
			is_deleted = EXCLUDED.is_deleted,
			updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.ProgramID, wf.Name, wf.FlowType, wf.Event, nonNil(wf.HierarchyIDs),
		levelsJSON, configJSON, wf.IsDeleted, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// FindConfigured returns matching configured workflows, oldest first.
func (s *PgStore) FindConfigured(ctx context.Context, programID, event, flowType string, hierarchyIDs []string) ([]model.Workflow, error) {
	query := `SELECT id, program_id, '' AS template_id, '' AS workflow_trigger_id, name, flow_type,
	                 'pending' AS status, event, hierarchy_ids, levels, config, false, is_deleted, 1,
	                 created_at, updated_at
	          FROM workflows
	          WHERE program_id = $1 AND event = $2 AND is_deleted = false
	            AND (cardinality(hierarchy_ids) = 0 OR hierarchy_ids && $3)`
	args := []any{programID, event, nonNil(hierarchyIDs)}
	if flowType != "" {
		query += " AND flow_type = $4"
		args = append(args, flowType)
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.queryWorkflows(ctx, query, args...)
}

// Create inserts a new workflow instance.
func (s *PgStore) Create(ctx context.Context, wf model.Workflow) error {
	levelsJSON, configJSON, err := marshalDocument(wf)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		wf.ID, wf.ProgramID, wf.TemplateID, wf.WorkflowTriggerID, wf.Name, wf.FlowType,
		wf.Status, wf.Event, nonNil(wf.HierarchyIDs), levelsJSON, configJSON, wf.IsUpdated,
		wf.IsDeleted, wf.Version, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID, scoped to program.
func (s *PgStore) Get(ctx context.Context, programID, id string) (model.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workflowColumns+`
		FROM workflow_instances
		WHERE id = $1 AND program_id = $2 AND is_deleted = false`,
		id, programID,
	)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return wf, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgStore) Update(ctx context.Context, wf model.Workflow) error {
	levelsJSON, configJSON, err := marshalDocument(wf)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			levels = $2,
			config = $3,
			is_updated = $4,
			is_deleted = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9`,
		wf.Status, levelsJSON, configJSON, wf.IsUpdated, wf.IsDeleted, wf.Version+1,
		time.Now().UTC(), wf.ID, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", wf.ID, wf.Version),
		)
	}
	return nil
}

// FindActive returns non-deleted instances of a program, newest first.
func (s *PgStore) FindActive(ctx context.Context, programID string, filters model.WorkflowFilters) ([]model.Workflow, error) {
	query := `SELECT ` + workflowColumns + `
	          FROM workflow_instances
	          WHERE program_id = $1 AND is_deleted = false`
	args := []any{programID}
	argIdx := 2

	if filters.Event != "" {
		query += fmt.Sprintf(" AND event = $%d", argIdx)
		args = append(args, filters.Event)
		argIdx++
	}
	if filters.WorkflowTriggerID != "" {
		query += fmt.Sprintf(" AND workflow_trigger_id = $%d", argIdx)
		args = append(args, filters.WorkflowTriggerID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
	}
	query += " ORDER BY created_at DESC"

	return s.queryWorkflows(ctx, query, args...)
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]model.Workflow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var result []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var wf model.Workflow
	var levelsJSON, configJSON []byte
	err := row.Scan(
		&wf.ID, &wf.ProgramID, &wf.TemplateID, &wf.WorkflowTriggerID, &wf.Name, &wf.FlowType,
		&wf.Status, &wf.Event, &wf.HierarchyIDs, &levelsJSON, &configJSON, &wf.IsUpdated,
		&wf.IsDeleted, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return model.Workflow{}, err
	}
	if levelsJSON != nil {
		if err := json.Unmarshal(levelsJSON, &wf.Levels); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal levels: %w", err)
		}
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &wf.Config); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return wf, nil
}

func marshalDocument(wf model.Workflow) (levels, config []byte, err error) {
	levels, err = json.Marshal(wf.Levels)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal levels: %w", err)
	}
	config, err = json.Marshal(wf.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal config: %w", err)
	}
	return levels, config, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
