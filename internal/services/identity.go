package services

import (
	"context"
	"fmt"
	"strings"

	"ticketsync/internal/adapters/intercom"

	"github.com/rs/zerolog/log"
)

// botName is the display name of Intercom's automated agent.
const botName = "Fin"

// IsBotIdentity reports whether a name/email pair belongs to the platform's
// bot or operator identity. It is the single exclusion rule applied at every
// point an identity can enter the system.
func IsBotIdentity(name, email string) bool {
	e := strings.ToLower(strings.TrimSpace(email))
	if strings.Contains(e, "operator+") || strings.Contains(e, "@intercom.io") {
		return true
	}
	return strings.TrimSpace(name) == botName
}

// Customer is the real end customer behind a conversation.
type Customer struct {
	Name   string
	Email  string
	Source string // which payload branch produced it
}

// DisplayName falls back to the email when the platform has no name.
func (c *Customer) DisplayName() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return c.Email
}

// Identity sources, in priority order.
const (
	IdentityFromContact = "contact"
	IdentityFromAuthor  = "source_author"
	IdentityFromUser    = "legacy_user"
)

// IdentityResolver determines the customer of a conversation.
type IdentityResolver struct {
	intercom ConversationSource
}

// NewIdentityResolver creates a new IdentityResolver.
func NewIdentityResolver(source ConversationSource) (*IdentityResolver, error) {
	if source == nil {
		return nil, fmt.Errorf("conversation source cannot be nil")
	}
	return &IdentityResolver{intercom: source}, nil
}

// ResolveCustomer walks the fallback chain and returns the first acceptable
// identity, or nil when only the bot (or nobody) is present:
//  1. the first attached contact, re-fetched in full;
//  2. the source author when its type is "user";
//  3. the legacy user object.
//
// Errors fetching the contact record are returned to the caller.
func (r *IdentityResolver) ResolveCustomer(ctx context.Context, conversation *intercom.Conversation) (*Customer, error) {
	if conversation == nil {
		return nil, fmt.Errorf("conversation cannot be nil")
	}
	logger := log.With().Str("conversationID", conversation.ID).Logger()

	if refs := conversation.Contacts.Contacts; len(refs) > 0 && refs[0].ID != "" {
		contact, err := r.intercom.GetContact(ctx, refs[0].ID)
		if err != nil {
			return nil, fmt.Errorf("fetch contact %s for conversation %s: %w", refs[0].ID, conversation.ID, err)
		}
		if acceptable(contact.Name, contact.Email) {
			logger.Debug().Str("contactID", contact.ID).Msg("Customer resolved from conversation contact")
			return &Customer{Name: contact.Name, Email: strings.TrimSpace(contact.Email), Source: IdentityFromContact}, nil
		}
		logger.Info().Str("contactID", contact.ID).Msg("Conversation contact is not a usable customer, trying fallbacks")
	}

	if author := conversation.Source.Author; author.Type == "user" {
		if acceptable(author.Name, author.Email) {
			logger.Debug().Str("authorID", author.ID).Msg("Customer resolved from source author")
			return &Customer{Name: author.Name, Email: strings.TrimSpace(author.Email), Source: IdentityFromAuthor}, nil
		}
	}

	if user := conversation.User; user != nil {
		if acceptable(user.Name, user.Email) {
			logger.Debug().Str("userID", user.ID).Msg("Customer resolved from legacy user object")
			return &Customer{Name: user.Name, Email: strings.TrimSpace(user.Email), Source: IdentityFromUser}, nil
		}
	}

	logger.Warn().Msg("No valid customer identity found in conversation")
	return nil, nil
}

func acceptable(name, email string) bool {
	return strings.TrimSpace(email) != "" && !IsBotIdentity(name, email)
}
