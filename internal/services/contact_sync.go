package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ticketsync/internal/adapters/crm"

	"github.com/rs/zerolog/log"
)

// ContactTag marks CRM contacts that originated from Intercom.
const ContactTag = "intercom"

var (
	// ErrEmptyEmail is returned when a contact is requested without an email.
	ErrEmptyEmail = errors.New("contact email is empty")
	// ErrBotIdentity is returned when an identity belongs to the platform bot.
	ErrBotIdentity = errors.New("identity belongs to platform bot")
)

// ContactResolver finds or creates the CRM contact for a customer email.
type ContactResolver struct {
	crm        ContactStore
	locationID string
}

// NewContactResolver creates a new ContactResolver.
func NewContactResolver(store ContactStore, locationID string) (*ContactResolver, error) {
	if store == nil {
		return nil, fmt.Errorf("CRM contact store cannot be nil")
	}
	if locationID == "" {
		return nil, fmt.Errorf("CRM location ID cannot be empty")
	}
	return &ContactResolver{crm: store, locationID: locationID}, nil
}

// FindOrCreateContact returns the id of a tagged CRM contact for email. It never
// returns a contact that belongs to the bot, even when the CRM hands one back
// through the duplicate-contact path.
func (r *ContactResolver) FindOrCreateContact(ctx context.Context, email, name string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmptyEmail
	}
	if IsBotIdentity(name, email) {
		log.Warn().Str("email", email).Msg("Refusing to resolve CRM contact for bot identity")
		return "", fmt.Errorf("%w: %s", ErrBotIdentity, email)
	}

	logger := log.With().Str("email", email).Logger()

	found, err := r.crm.SearchContactsByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("search CRM contacts for %s: %w", email, err)
	}
	for i := range found {
		c := &found[i]
		if !strings.EqualFold(strings.TrimSpace(c.Email), email) || IsBotIdentity(c.DisplayName(), c.Email) {
			continue
		}
		logger.Info().Str("contactID", c.ID).Msg("Found existing CRM contact")
		if err := r.ensureTag(ctx, c); err != nil {
			return "", err
		}
		return c.ID, nil
	}

	logger.Info().Str("name", name).Msg("CRM contact not found, creating a new one")
	created, err := r.crm.CreateContact(ctx, crm.CreateContactPayload{
		LocationID: r.locationID,
		Email:      email,
		Name:       strings.TrimSpace(name),
		Tags:       []string{ContactTag},
		Source:     "Intercom",
	})
	if err == nil {
		logger.Info().Str("contactID", created.ID).Msg("Successfully created CRM contact")
		return created.ID, nil
	}

	existingID, ok := crm.DuplicateContactID(err)
	if !ok {
		return "", fmt.Errorf("create CRM contact for %s: %w", email, err)
	}

	// Someone else created it between our search and create.
	logger.Info().Str("contactID", existingID).Msg("CRM reported duplicate contact, re-fetching")
	existing, getErr := r.crm.GetContact(ctx, existingID)
	if getErr != nil {
		return "", fmt.Errorf("fetch duplicate CRM contact %s: %w", existingID, getErr)
	}
	if IsBotIdentity(existing.DisplayName(), existing.Email) {
		logger.Error().Str("contactID", existingID).Str("contactEmail", existing.Email).Msg("Duplicate CRM contact belongs to bot identity")
		return "", fmt.Errorf("%w: duplicate contact %s", ErrBotIdentity, existingID)
	}
	if err := r.ensureTag(ctx, existing); err != nil {
		return "", err
	}
	return existing.ID, nil
}

func (r *ContactResolver) ensureTag(ctx context.Context, c *crm.Contact) error {
	if c.HasTag(ContactTag) {
		return nil
	}
	if err := r.crm.AddContactTags(ctx, c.ID, []string{ContactTag}); err != nil {
		return fmt.Errorf("tag CRM contact %s: %w", c.ID, err)
	}
	log.Debug().Str("contactID", c.ID).Str("tag", ContactTag).Msg("Tagged CRM contact")
	return nil
}
