package contacts

import (
	"context"
	"errors"
	"strings"

	"crm_messaging_backend/platform/logger"
	"crm_messaging_backend/platform/phone"
	"crm_messaging_backend/platform/sanitize"

	"github.com/google/uuid"
)

// Store is the data access surface the resolver needs. Satisfied by Repository.
type Store interface {
	FindByPlatformID(ctx context.Context, platformID string) (Contact, error)
	FindByNormalizedAddress(ctx context.Context, normalized string) (Contact, error)
	FindByRawAddress(ctx context.Context, raw string) (Contact, error)
	Create(ctx context.Context, p CreateParams) (Contact, error)
	Backfill(ctx context.Context, id uuid.UUID, normalized, platformID, displayName *string) (Contact, error)
	SetNationality(ctx context.Context, id uuid.UUID, nationality string) error
	SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error
}

// ResolveInput carries the identity hints available on an inbound event.
type ResolveInput struct {
	Address           string
	PlatformContactID string
	DisplayName       string
	Source            string
}

// Service resolves inbound identity hints to exactly one Contact.
type Service struct {
	store Store
	log   *logger.Logger
}

// NewService creates a new identity resolver service.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, log: log}
}

// Resolve finds or creates the contact for the given identity hints.
//
// Match priority: platform contact id, then normalized address, then raw
// address. On a match, missing identity fields are back-filled; populated
// fields are left alone. On no match a contact is created; a create race is
// resolved by re-reading the row the other handler won with, never by
// surfacing the conflict to the caller.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (Contact, error) {
	raw := strings.TrimSpace(in.Address)
	platformID := strings.TrimSpace(in.PlatformContactID)
	displayName := strings.TrimSpace(sanitize.Text(in.DisplayName))

	// Normalization is best-effort. When the address does not parse, the raw
	// value is kept and resolution continues without a canonical form.
	normalized, normalizedOK := phone.TryE164(raw)
	if !normalizedOK {
		s.log.Debug("address normalization skipped", "address", raw)
	}

	var normalizedPtr *string
	if normalizedOK {
		normalizedPtr = &normalized
	}
	var platformPtr *string
	if platformID != "" {
		platformPtr = &platformID
	}
	var namePtr *string
	if displayName != "" {
		namePtr = &displayName
	}

	if platformID != "" {
		c, err := s.store.FindByPlatformID(ctx, platformID)
		if err == nil {
			return s.store.Backfill(ctx, c.ID, normalizedPtr, platformPtr, namePtr)
		}
		if !errors.Is(err, ErrContactNotFound) {
			return Contact{}, err
		}
	}

	if normalizedOK {
		c, err := s.store.FindByNormalizedAddress(ctx, normalized)
		if err == nil {
			return s.store.Backfill(ctx, c.ID, normalizedPtr, platformPtr, namePtr)
		}
		if !errors.Is(err, ErrContactNotFound) {
			return Contact{}, err
		}
	}

	if raw != "" {
		c, err := s.store.FindByRawAddress(ctx, raw)
		if err == nil {
			return s.store.Backfill(ctx, c.ID, normalizedPtr, platformPtr, namePtr)
		}
		if !errors.Is(err, ErrContactNotFound) {
			return Contact{}, err
		}
	}

	source := in.Source
	if source == "" {
		source = "whatsapp"
	}

	created, err := s.store.Create(ctx, CreateParams{
		RawAddress:        raw,
		NormalizedAddress: normalizedPtr,
		PlatformContactID: platformPtr,
		DisplayName:       namePtr,
		Source:            source,
	})
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, ErrContactExists) {
		return Contact{}, err
	}

	// Lost the create race: the row now exists under one of our identity
	// keys. Re-read and return the winner.
	return s.reread(ctx, platformID, normalized, normalizedOK, raw)
}

func (s *Service) reread(ctx context.Context, platformID, normalized string, normalizedOK bool, raw string) (Contact, error) {
	if platformID != "" {
		if c, err := s.store.FindByPlatformID(ctx, platformID); err == nil {
			return c, nil
		} else if !errors.Is(err, ErrContactNotFound) {
			return Contact{}, err
		}
	}
	if normalizedOK {
		if c, err := s.store.FindByNormalizedAddress(ctx, normalized); err == nil {
			return c, nil
		} else if !errors.Is(err, ErrContactNotFound) {
			return Contact{}, err
		}
	}
	return s.store.FindByRawAddress(ctx, raw)
}

// SetNationality records an extracted nationality on the contact. The
// store only fills the field when it is still empty.
func (s *Service) SetNationality(ctx context.Context, id uuid.UUID, nationality string) error {
	return s.store.SetNationality(ctx, id, sanitize.Text(nationality))
}

// SetDisplayName records an extracted name on the contact, same
// only-if-missing semantics as SetNationality.
func (s *Service) SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error {
	return s.store.SetDisplayName(ctx, id, sanitize.Text(displayName))
}
