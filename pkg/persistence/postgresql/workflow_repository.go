package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// WorkflowRepository handles workflow definition storage. The node/edge
// graph is stored as JSONB and node specs are decoded once on load.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save upserts a workflow definition.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	nodesJSON, err := json.Marshal(workflow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edgesJSON, err := json.Marshal(workflow.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	variablesJSON, err := json.Marshal(workflow.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	metadataJSON, err := json.Marshal(workflow.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO workflows (
			id, organization_id, name, description, status, nodes, edges,
			variables, metadata, created_at, updated_at, deleted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			variables = EXCLUDED.variables,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.OrganizationID,
		workflow.Name,
		workflow.Description,
		workflow.Status,
		nodesJSON,
		edgesJSON,
		variablesJSON,
		metadataJSON,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.DeletedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", workflow.ID, err)
	}

	return nil
}

// GetByID returns a workflow by its ID, excluding soft-deleted rows.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := selectWorkflow + ` WHERE id = $1 AND deleted_at IS NULL`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "workflow", id, err)
	}

	return workflow, nil
}

// List returns all non-deleted workflows for an organization.
func (r *WorkflowRepository) List(ctx context.Context, organizationID string) ([]*models.Workflow, error) {
	query := selectWorkflow + ` WHERE organization_id = $1 AND deleted_at IS NULL ORDER BY created_at`

	return r.queryWorkflows(ctx, query, organizationID)
}

// ListActive returns the workflows eligible for trigger matching. An empty
// organizationID lists active workflows across all organizations, used by
// the scheduler's sweeps.
func (r *WorkflowRepository) ListActive(ctx context.Context, organizationID string) ([]*models.Workflow, error) {
	if organizationID == "" {
		query := selectWorkflow + ` WHERE status = $1 AND deleted_at IS NULL ORDER BY created_at`

		return r.queryWorkflows(ctx, query, models.WorkflowStatusActive)
	}

	query := selectWorkflow + ` WHERE organization_id = $1 AND status = $2 AND deleted_at IS NULL ORDER BY created_at`

	return r.queryWorkflows(ctx, query, organizationID, models.WorkflowStatusActive)
}

// Delete soft deletes a workflow by setting deleted_at.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return persistence.NewStoreError("Delete", "workflow", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Delete", "workflow", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

const selectWorkflow = `
	SELECT id, organization_id, name, description, status, nodes, edges,
		   variables, metadata, created_at, updated_at, deleted_at
	FROM workflows
`

func (r *WorkflowRepository) queryWorkflows(ctx context.Context, query string, args ...any) ([]*models.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var workflows []*models.Workflow

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) scanWorkflow(scanner interface{ Scan(dest ...any) error }) (*models.Workflow, error) {
	var (
		workflow                                     models.Workflow
		nodesJSON, edgesJSON, variablesJSON, metaJSON []byte
		description                                  sql.NullString
	)

	err := scanner.Scan(
		&workflow.ID,
		&workflow.OrganizationID,
		&workflow.Name,
		&description,
		&workflow.Status,
		&nodesJSON,
		&edgesJSON,
		&variablesJSON,
		&metaJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&workflow.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.Description = description.String

	if err := json.Unmarshal(nodesJSON, &workflow.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	if err := json.Unmarshal(edgesJSON, &workflow.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}

	if variablesJSON != nil {
		if err := json.Unmarshal(variablesJSON, &workflow.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}

	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &workflow.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	// Resolve typed node specs once per load so the engine never touches
	// raw config maps.
	for _, node := range workflow.Nodes {
		if err := node.DecodeSpec(); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", workflow.ID, err)
		}
	}

	return &workflow, nil
}
