// Package contacts provides the contact identity bounded context.
// It resolves raw messaging addresses and platform contact ids to exactly one
// Contact row, back-filling identity fields as they become known.
package contacts

import (
	"context"
	"errors"
	"time"

	"crm_messaging_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrContactNotFound = errors.New("contact not found")

// ErrContactExists is returned by Create when another handler won the race to
// create the same identity. Callers resolve it by re-reading.
var ErrContactExists = errors.New("contact already exists")

// Contact represents a unique person/address.
type Contact struct {
	ID                uuid.UUID
	RawAddress        string
	NormalizedAddress *string
	PlatformContactID *string
	DisplayName       *string
	Nationality       *string
	Source            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const contactColumns = `id, raw_address, normalized_address, platform_contact_id, display_name, nationality, source, created_at, updated_at`

// Repository provides data access for contacts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new contacts repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanContact(row pgx.Row) (Contact, error) {
	var c Contact
	err := row.Scan(
		&c.ID, &c.RawAddress, &c.NormalizedAddress, &c.PlatformContactID,
		&c.DisplayName, &c.Nationality, &c.Source, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrContactNotFound
	}
	return c, err
}

// FindByPlatformID looks up a contact by its platform-stable id (e.g. wa-id).
func (r *Repository) FindByPlatformID(ctx context.Context, platformID string) (Contact, error) {
	return scanContact(r.pool.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM CMX_contacts
		WHERE platform_contact_id = $1
	`, platformID))
}

// FindByNormalizedAddress looks up a contact by its canonical (E.164) address.
func (r *Repository) FindByNormalizedAddress(ctx context.Context, normalized string) (Contact, error) {
	return scanContact(r.pool.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM CMX_contacts
		WHERE normalized_address = $1
	`, normalized))
}

// FindByRawAddress looks up a contact by the raw address as received.
// Legacy rows created before normalization existed only match this way.
func (r *Repository) FindByRawAddress(ctx context.Context, raw string) (Contact, error) {
	return scanContact(r.pool.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM CMX_contacts
		WHERE raw_address = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, raw))
}

// GetByID fetches a contact by primary key.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Contact, error) {
	return scanContact(r.pool.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM CMX_contacts
		WHERE id = $1
	`, id))
}

// CreateParams holds the fields for a new contact.
type CreateParams struct {
	RawAddress        string
	NormalizedAddress *string
	PlatformContactID *string
	DisplayName       *string
	Source            string
}

// Create inserts a new contact. A unique violation on either identity column
// is mapped to ErrContactExists so the caller can re-read the winning row.
func (r *Repository) Create(ctx context.Context, p CreateParams) (Contact, error) {
	c, err := scanContact(r.pool.QueryRow(ctx, `
		INSERT INTO CMX_contacts (raw_address, normalized_address, platform_contact_id, display_name, source)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+contactColumns+`
	`, p.RawAddress, p.NormalizedAddress, p.PlatformContactID, p.DisplayName, p.Source))
	if err != nil && db.IsUniqueViolation(err) {
		return Contact{}, ErrContactExists
	}
	return c, err
}

// Backfill fills in identity fields that are still missing on an existing
// contact. Populated fields are never overwritten.
func (r *Repository) Backfill(ctx context.Context, id uuid.UUID, normalized, platformID, displayName *string) (Contact, error) {
	return scanContact(r.pool.QueryRow(ctx, `
		UPDATE CMX_contacts
		SET normalized_address = COALESCE(normalized_address, $2),
		    platform_contact_id = COALESCE(platform_contact_id, $3),
		    display_name = COALESCE(display_name, $4),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+contactColumns+`
	`, id, normalized, platformID, displayName))
}

// SetNationality records a nationality if none is known yet. A non-matching or
// repeated extraction never clears the stored value.
func (r *Repository) SetNationality(ctx context.Context, id uuid.UUID, nationality string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE CMX_contacts
		SET nationality = COALESCE(nationality, $2), updated_at = now()
		WHERE id = $1
	`, id, nationality)
	return err
}

// SetDisplayName records a display name if none is known yet.
func (r *Repository) SetDisplayName(ctx context.Context, id uuid.UUID, name string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE CMX_contacts
		SET display_name = COALESCE(display_name, $2), updated_at = now()
		WHERE id = $1
	`, id, name)
	return err
}
