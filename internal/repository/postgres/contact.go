package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"rolodex/internal/domain/contact"
	"rolodex/pkg/errors"
)

// Compile-time check
var _ contact.Repository = (*ContactRepository)(nil)

// ContactRepository implements contact.Repository using PostgreSQL
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository creates a new contact repository
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Create inserts a new contact
func (r *ContactRepository) Create(ctx context.Context, c *contact.Contact) error {
	query := `
		INSERT INTO contacts (
			id, user_id, full_name, company, role, notes, tags,
			latitude, longitude, venue_name, address, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.UserID, c.FullName, c.Company, c.Role, c.Notes, c.Tags,
		c.Latitude, c.Longitude, c.VenueName, c.Address, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create contact")
	}

	return nil
}

// GetByID returns a single contact scoped to its owner
func (r *ContactRepository) GetByID(ctx context.Context, userID, id uuid.UUID) (*contact.Contact, error) {
	var c contact.Contact
	err := r.db.GetContext(ctx, &c, `
		SELECT * FROM contacts WHERE user_id = $1 AND id = $2`, userID, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "contact not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get contact")
	}

	return &c, nil
}

// GetByIDs returns contacts for the given ids; missing ids are omitted
func (r *ContactRepository) GetByIDs(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]*contact.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}

	var contacts []*contact.Contact
	err := r.db.SelectContext(ctx, &contacts, `
		SELECT * FROM contacts
		WHERE user_id = $1 AND id = ANY($2)`,
		userID, pq.Array(idStrings))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get contacts")
	}

	return contacts, nil
}

// Update persists mutable enrichment fields
func (r *ContactRepository) Update(ctx context.Context, c *contact.Contact) error {
	query := `
		UPDATE contacts SET
			full_name = $3, company = $4, role = $5, notes = $6, tags = $7,
			latitude = $8, longitude = $9, venue_name = $10, address = $11,
			updated_at = NOW()
		WHERE user_id = $1 AND id = $2`

	result, err := r.db.ExecContext(ctx, query,
		c.UserID, c.ID, c.FullName, c.Company, c.Role, c.Notes, c.Tags,
		c.Latitude, c.Longitude, c.VenueName, c.Address,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update contact")
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrap(errors.ErrNotFound, "contact not found")
	}

	return nil
}

// Delete removes a contact
func (r *ContactRepository) Delete(ctx context.Context, userID, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM contacts WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete contact")
	}

	return nil
}
