// Package leads keeps the minimal lead lifecycle the messaging pipeline
// needs: one active lead per contact, created on first inbound contact.
package leads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm_messaging_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrLeadNotFound = errors.New("lead not found")

type Lead struct {
	ID              uuid.UUID
	ContactID       uuid.UUID
	Status          string
	ServiceCategory *string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	StatusNew     = "new"
	StatusWorking = "working"
	StatusClosed  = "closed"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ensureActiveLeadQuery = `
	INSERT INTO CMX_leads (id, contact_id, status, is_active)
	VALUES ($1, $2, $3, true)
	ON CONFLICT (contact_id) WHERE is_active DO NOTHING
	RETURNING id, contact_id, status, service_category, is_active, created_at, updated_at`

// EnsureActive returns the contact's active lead, creating one when none
// exists. Concurrent callers race on the active-lead unique index; the
// loser rereads the winner's row.
func (r *Repository) EnsureActive(ctx context.Context, contactID uuid.UUID) (Lead, error) {
	var lead Lead
	err := r.pool.QueryRow(ctx, ensureActiveLeadQuery, uuid.New(), contactID, StatusNew).Scan(
		&lead.ID, &lead.ContactID, &lead.Status, &lead.ServiceCategory, &lead.IsActive, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !db.IsUniqueViolation(err) {
		return Lead{}, fmt.Errorf("inserting lead: %w", err)
	}
	return r.FindActive(ctx, contactID)
}

func (r *Repository) FindActive(ctx context.Context, contactID uuid.UUID) (Lead, error) {
	const query = `
		SELECT id, contact_id, status, service_category, is_active, created_at, updated_at
		FROM CMX_leads
		WHERE contact_id = $1 AND is_active
		LIMIT 1`

	var lead Lead
	err := r.pool.QueryRow(ctx, query, contactID).Scan(
		&lead.ID, &lead.ContactID, &lead.Status, &lead.ServiceCategory, &lead.IsActive, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, ErrLeadNotFound
	}
	if err != nil {
		return Lead{}, fmt.Errorf("finding active lead: %w", err)
	}
	return lead, nil
}

// SetServiceCategory records the detected service interest. It never
// overwrites a value set earlier.
func (r *Repository) SetServiceCategory(ctx context.Context, leadID uuid.UUID, category string) error {
	const query = `
		UPDATE CMX_leads
		SET service_category = COALESCE(service_category, $2), updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, leadID, category); err != nil {
		return fmt.Errorf("setting lead service category: %w", err)
	}
	return nil
}
