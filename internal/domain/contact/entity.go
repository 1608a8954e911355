package contact

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Contact is a single enriched contact profile
type Contact struct {
	ID        uuid.UUID      `db:"id"`
	UserID    uuid.UUID      `db:"user_id"`
	FullName  string         `db:"full_name"`
	Company   string         `db:"company"`
	Role      string         `db:"role"`
	Notes     string         `db:"notes"`
	Tags      pq.StringArray `db:"tags"`
	Latitude  *float64       `db:"latitude"`
	Longitude *float64       `db:"longitude"`
	VenueName string         `db:"venue_name"`
	Address   string         `db:"address"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// HasLocation reports whether GPS coordinates are present
func (c *Contact) HasLocation() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// EnrichmentText builds the text fed to tagging and embedding. Name is left
// out so that semantically identical profiles produce identical input.
func (c *Contact) EnrichmentText() string {
	parts := make([]string, 0, 4)
	if c.Company != "" {
		parts = append(parts, "Company: "+c.Company)
	}
	if c.Role != "" {
		parts = append(parts, "Role: "+c.Role)
	}
	if c.Notes != "" {
		parts = append(parts, "Notes: "+c.Notes)
	}
	if c.VenueName != "" {
		parts = append(parts, "Met at: "+c.VenueName)
	}
	return strings.Join(parts, "\n")
}

// IndexText builds the text embedded for search, including the name so a
// query for the person themselves still matches.
func (c *Contact) IndexText() string {
	parts := make([]string, 0, 5)
	if c.FullName != "" {
		parts = append(parts, c.FullName)
	}
	if enrichment := c.EnrichmentText(); enrichment != "" {
		parts = append(parts, enrichment)
	}
	if len(c.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(c.Tags, ", "))
	}
	return strings.Join(parts, "\n")
}
