package contact

import (
	"context"

	"github.com/google/uuid"
)

// Repository provides persistence for contacts
type Repository interface {
	// Create inserts a new contact
	Create(ctx context.Context, c *Contact) error

	// GetByID returns a single contact scoped to its owner
	GetByID(ctx context.Context, userID, id uuid.UUID) (*Contact, error)

	// GetByIDs returns contacts for the given ids, scoped to the owner.
	// Missing ids are silently omitted.
	GetByIDs(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]*Contact, error)

	// Update persists mutable enrichment fields (tags, location, venue)
	Update(ctx context.Context, c *Contact) error

	// Delete removes a contact
	Delete(ctx context.Context, userID, id uuid.UUID) error
}
