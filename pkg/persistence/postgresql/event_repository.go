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

// EventRepository is the append-only trigger event log. Rows are inserted
// once, flipped to processed once, and never deleted.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Append inserts a new trigger event.
func (r *EventRepository) Append(ctx context.Context, event *models.TriggerEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	query := `
		INSERT INTO trigger_events (id, organization_id, event_type, contact_id, data, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.OrganizationID,
		event.Type,
		event.ContactID,
		dataJSON,
		event.Processed,
		event.CreatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Append", "event", event.ID, err)
	}

	return nil
}

// GetByID retrieves a trigger event.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.TriggerEvent, error) {
	query := selectEvent + ` WHERE id = $1`

	event, err := r.scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "event", id, persistence.ErrEventNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "event", id, err)
	}

	return event, nil
}

// MarkProcessed flips the processed flag. It is the only permitted mutation
// of an event row.
func (r *EventRepository) MarkProcessed(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE trigger_events SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return persistence.NewStoreError("MarkProcessed", "event", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("MarkProcessed", "event", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("MarkProcessed", "event", id, persistence.ErrEventNotFound)
	}

	return nil
}

// ListUnprocessed returns unprocessed events oldest first, up to limit.
func (r *EventRepository) ListUnprocessed(ctx context.Context, limit int) ([]*models.TriggerEvent, error) {
	query := selectEvent + ` WHERE processed = FALSE ORDER BY created_at LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger events: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var events []*models.TriggerEvent

	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trigger events: %w", err)
	}

	return events, nil
}

const selectEvent = `
	SELECT id, organization_id, event_type, contact_id, data, processed, created_at
	FROM trigger_events
`

func (r *EventRepository) scanEvent(scanner interface{ Scan(dest ...any) error }) (*models.TriggerEvent, error) {
	var (
		event    models.TriggerEvent
		dataJSON []byte
	)

	err := scanner.Scan(
		&event.ID,
		&event.OrganizationID,
		&event.Type,
		&event.ContactID,
		&dataJSON,
		&event.Processed,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &event.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}

	return &event, nil
}
