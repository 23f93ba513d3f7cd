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

// RetryJobRepository stores the redelivery queue for transient channel-send
// failures.
type RetryJobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save upserts a retry job.
func (r *RetryJobRepository) Save(ctx context.Context, job *models.RetryJob) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal retry payload: %w", err)
	}

	query := `
		INSERT INTO retry_jobs (
			id, execution_id, node_id, channel, contact_id, payload, attempt,
			max_attempts, last_error, next_retry_at, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			last_error = EXCLUDED.last_error,
			next_retry_at = EXCLUDED.next_retry_at,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.ExecutionID,
		job.NodeID,
		job.Channel,
		job.ContactID,
		payloadJSON,
		job.Attempt,
		job.MaxAttempts,
		job.LastError,
		job.NextRetryAt,
		job.Status,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "retry_job", job.ID, err)
	}

	return nil
}

// GetByID retrieves a retry job.
func (r *RetryJobRepository) GetByID(ctx context.Context, id string) (*models.RetryJob, error) {
	query := selectRetryJob + ` WHERE id = $1`

	job, err := r.scanRetryJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "retry_job", id, persistence.ErrRetryJobNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "retry_job", id, err)
	}

	return job, nil
}

// ListDue returns pending jobs whose next retry time has passed, earliest
// first.
func (r *RetryJobRepository) ListDue(ctx context.Context, now time.Time) ([]*models.RetryJob, error) {
	query := selectRetryJob + ` WHERE status = $1 AND next_retry_at <= $2 ORDER BY next_retry_at`

	rows, err := r.db.QueryContext(ctx, query, models.RetryJobStatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry jobs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var jobs []*models.RetryJob

	for rows.Next() {
		job, err := r.scanRetryJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan retry job: %w", err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retry jobs: %w", err)
	}

	return jobs, nil
}

const selectRetryJob = `
	SELECT id, execution_id, node_id, channel, contact_id, payload, attempt,
		   max_attempts, last_error, next_retry_at, status, created_at, updated_at
	FROM retry_jobs
`

func (r *RetryJobRepository) scanRetryJob(scanner interface{ Scan(dest ...any) error }) (*models.RetryJob, error) {
	var (
		job         models.RetryJob
		payloadJSON []byte
		lastError   sql.NullString
	)

	err := scanner.Scan(
		&job.ID,
		&job.ExecutionID,
		&job.NodeID,
		&job.Channel,
		&job.ContactID,
		&payloadJSON,
		&job.Attempt,
		&job.MaxAttempts,
		&lastError,
		&job.NextRetryAt,
		&job.Status,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.LastError = lastError.String

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retry payload: %w", err)
		}
	}

	return &job, nil
}
