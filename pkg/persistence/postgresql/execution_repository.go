package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// ExecutionRepository handles execution state-machine rows. Updates use an
// optimistic version check so two workers can never both advance the same
// execution after a crash-and-retry race.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Create inserts a new execution row.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}

	query := `
		INSERT INTO executions (
			id, workflow_id, contact_id, current_node_id, status, context,
			wait_reason, resume_at, version, started_at, updated_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.ContactID,
		execution.CurrentNodeID,
		execution.Status,
		contextJSON,
		nullString(string(execution.WaitReason)),
		execution.ResumeAt,
		execution.Version,
		execution.StartedAt,
		execution.UpdatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Create", "execution", execution.ID, err)
	}

	return nil
}

// GetByID retrieves an execution by its ID.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	query := selectExecution + ` WHERE id = $1`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "execution", id, err)
	}

	return execution, nil
}

// Update persists a transition. The WHERE clause carries the version the
// caller read; zero rows affected means another worker advanced the row and
// the caller must re-read.
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}

	query := `
		UPDATE executions SET
			current_node_id = $1,
			status = $2,
			context = $3,
			wait_reason = $4,
			resume_at = $5,
			version = version + 1,
			updated_at = $6,
			completed_at = $7
		WHERE id = $8 AND version = $9
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.CurrentNodeID,
		execution.Status,
		contextJSON,
		nullString(string(execution.WaitReason)),
		execution.ResumeAt,
		time.Now().UTC(),
		execution.CompletedAt,
		execution.ID,
		execution.Version,
	)
	if err != nil {
		return persistence.NewStoreError("Update", "execution", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Update", "execution", execution.ID, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Update", "execution", execution.ID, persistence.ErrVersionConflict)
	}

	execution.Version++

	return nil
}

// ListByWorkflow returns all executions of one workflow, newest last.
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	query := selectExecution + ` WHERE workflow_id = $1 ORDER BY started_at`

	return r.queryExecutions(ctx, query, workflowID)
}

// ListWaitingDue returns delay-parked executions whose resume time has
// passed.
func (r *ExecutionRepository) ListWaitingDue(ctx context.Context, now time.Time) ([]*models.Execution, error) {
	query := selectExecution + `
		WHERE status = $1 AND wait_reason = $2 AND resume_at <= $3
		ORDER BY resume_at
	`

	return r.queryExecutions(ctx, query, models.ExecutionStatusWaiting, models.WaitReasonDelay, now)
}

// FindNonTerminal returns the open execution for a (workflow, contact) pair.
func (r *ExecutionRepository) FindNonTerminal(ctx context.Context, workflowID, contactID string) (*models.Execution, error) {
	query := selectExecution + `
		WHERE workflow_id = $1 AND contact_id = $2 AND status IN ($3, $4)
		LIMIT 1
	`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query,
		workflowID, contactID, models.ExecutionStatusRunning, models.ExecutionStatusWaiting))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("FindNonTerminal", "execution", workflowID+"/"+contactID, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("FindNonTerminal", "execution", workflowID+"/"+contactID, err)
	}

	return execution, nil
}

const selectExecution = `
	SELECT id, workflow_id, contact_id, current_node_id, status, context,
		   wait_reason, resume_at, version, started_at, updated_at, completed_at
	FROM executions
`

func (r *ExecutionRepository) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.Execution

	for rows.Next() {
		execution, err := r.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (r *ExecutionRepository) scanExecution(scanner interface{ Scan(dest ...any) error }) (*models.Execution, error) {
	var (
		execution   models.Execution
		contextJSON []byte
		waitReason  sql.NullString
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.ContactID,
		&execution.CurrentNodeID,
		&execution.Status,
		&contextJSON,
		&waitReason,
		&execution.ResumeAt,
		&execution.Version,
		&execution.StartedAt,
		&execution.UpdatedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.WaitReason = models.WaitReason(waitReason.String)
	execution.Context = make(map[string]any)

	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &execution.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution context: %w", err)
		}
	}

	return &execution, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
