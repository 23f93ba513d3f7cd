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

// ContactRepository provides the contact snapshots condition nodes evaluate
// against.
type ContactRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save upserts a contact.
func (r *ContactRepository) Save(ctx context.Context, contact *models.Contact) error {
	attributesJSON, err := json.Marshal(contact.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	tagsJSON, err := json.Marshal(contact.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
		INSERT INTO contacts (id, organization_id, email, phone, attributes, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			attributes = EXCLUDED.attributes,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		contact.ID,
		contact.OrganizationID,
		contact.Email,
		contact.Phone,
		attributesJSON,
		tagsJSON,
		contact.CreatedAt,
		contact.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "contact", contact.ID, err)
	}

	return nil
}

// GetByID retrieves a contact.
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	query := `
		SELECT id, organization_id, email, phone, attributes, tags, created_at, updated_at
		FROM contacts
		WHERE id = $1
	`

	var (
		contact        models.Contact
		email, phone   sql.NullString
		attributesJSON []byte
		tagsJSON       []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&contact.ID,
		&contact.OrganizationID,
		&email,
		&phone,
		&attributesJSON,
		&tagsJSON,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "contact", id, persistence.ErrContactNotFound)
		}

		return nil, persistence.NewStoreError("GetByID", "contact", id, err)
	}

	contact.Email = email.String
	contact.Phone = phone.String

	if attributesJSON != nil {
		if err := json.Unmarshal(attributesJSON, &contact.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}

	if tagsJSON != nil {
		if err := json.Unmarshal(tagsJSON, &contact.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	return &contact, nil
}
