package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Dedup record statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Admission is the outcome of offering a delivery to the dedup gate.
type Admission struct {
	// Admitted is true when this caller created the record and owns
	// processing. False means the delivery is a duplicate.
	Admitted bool
	EventID  uuid.UUID
	Status   string
}

// Repository is the inbound dedup gate. Creating the (provider,
// provider_message_id) row is the serialization point: whoever inserts it
// first owns processing, everyone else sees a duplicate.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Admit attempts to claim a delivery. The insert-first shape means two
// concurrent deliveries of the same message cannot both be admitted; the
// loser reads back the winner's row.
func (r *Repository) Admit(ctx context.Context, provider, providerMessageID string) (Admission, error) {
	const insertQuery = `
		INSERT INTO CMX_inbound_events (id, provider, provider_message_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_message_id) DO NOTHING
		RETURNING id`

	var eventID uuid.UUID
	err := r.pool.QueryRow(ctx, insertQuery, uuid.New(), provider, providerMessageID, StatusProcessing).Scan(&eventID)
	if err == nil {
		return Admission{Admitted: true, EventID: eventID, Status: StatusProcessing}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Admission{}, fmt.Errorf("admitting inbound event: %w", err)
	}

	const readQuery = `
		SELECT id, status FROM CMX_inbound_events
		WHERE provider = $1 AND provider_message_id = $2`

	var adm Admission
	err = r.pool.QueryRow(ctx, readQuery, provider, providerMessageID).Scan(&adm.EventID, &adm.Status)
	if err != nil {
		return Admission{}, fmt.Errorf("reading duplicate inbound event: %w", err)
	}
	return adm, nil
}

// EventRecord is one row of the dedup gate.
type EventRecord struct {
	ID                uuid.UUID
	Provider          string
	ProviderMessageID string
	Status            string
}

func (r *Repository) GetByID(ctx context.Context, eventID uuid.UUID) (EventRecord, error) {
	const query = `
		SELECT id, provider, provider_message_id, status
		FROM CMX_inbound_events WHERE id = $1`

	var rec EventRecord
	err := r.pool.QueryRow(ctx, query, eventID).Scan(&rec.ID, &rec.Provider, &rec.ProviderMessageID, &rec.Status)
	if err != nil {
		return EventRecord{}, fmt.Errorf("reading inbound event: %w", err)
	}
	return rec, nil
}

// Finalize marks an admitted event completed or failed. Every admitted
// event must be finalized, including on error paths, or the row stays
// PROCESSING until the staleness sweep reclaims it.
func (r *Repository) Finalize(ctx context.Context, eventID uuid.UUID, status string, processingErr error) error {
	var errText *string
	if processingErr != nil {
		msg := processingErr.Error()
		errText = &msg
	}

	const query = `
		UPDATE CMX_inbound_events
		SET status = $2, error = $3, finalized_at = NOW()
		WHERE id = $1 AND status = $4`

	if _, err := r.pool.Exec(ctx, query, eventID, status, errText, StatusProcessing); err != nil {
		return fmt.Errorf("finalizing inbound event: %w", err)
	}
	return nil
}

// ReleaseStale deletes PROCESSING rows older than the cutoff. A crash
// between admission and finalize leaves the row behind; deleting it lets
// the provider's redelivery be admitted again instead of being swallowed
// as a duplicate forever.
func (r *Repository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `
		DELETE FROM CMX_inbound_events
		WHERE status = $1 AND received_at < NOW() - $2::interval`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	tag, err := r.pool.Exec(ctx, query, StatusProcessing, interval)
	if err != nil {
		return 0, fmt.Errorf("releasing stale inbound events: %w", err)
	}
	return tag.RowsAffected(), nil
}
