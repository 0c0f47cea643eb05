package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketsync/internal/adapters/crm"
	"ticketsync/internal/adapters/intercom"
	"ticketsync/internal/models"

	"github.com/rs/zerolog/log"
)

// Outcome describes what handling a conversation event did.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeInFlight   Outcome = "in_flight"
	OutcomeNoCustomer Outcome = "no_customer"
	OutcomeAssigned   Outcome = "assigned"
	OutcomeNoTicket   Outcome = "no_ticket"
)

// NumberAllocator hands out ticket numbers. *TicketCounter satisfies it.
type NumberAllocator interface {
	Next(ctx context.Context) (string, error)
}

// ContactFinder resolves a CRM contact id. *ContactResolver satisfies it.
type ContactFinder interface {
	FindOrCreateContact(ctx context.Context, email, name string) (string, error)
}

// TicketName formats the opportunity title.
func TicketName(number, customerName string) string {
	return fmt.Sprintf("[Intercom] #%s - %s", number, customerName)
}

// MaterializerDeps are the collaborators of a TicketMaterializer. Audit and
// Events are optional.
type MaterializerDeps struct {
	Intercom      ConversationSource
	Identity      *IdentityResolver
	Ledger        *Ledger
	Counter       NumberAllocator
	Assignees     *AssigneeMapper
	Contacts      ContactFinder
	Opportunities OpportunityStore
	Audit         *AuditLog
	Events        EventSink
	Schema        TicketSchema
	LocationID    string
}

// TicketMaterializer turns a new conversation into exactly one CRM ticket.
type TicketMaterializer struct {
	deps MaterializerDeps
	now  func() time.Time
}

// NewTicketMaterializer creates a new TicketMaterializer.
func NewTicketMaterializer(deps MaterializerDeps) (*TicketMaterializer, error) {
	switch {
	case deps.Intercom == nil:
		return nil, fmt.Errorf("conversation source cannot be nil")
	case deps.Identity == nil:
		return nil, fmt.Errorf("identity resolver cannot be nil")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger cannot be nil")
	case deps.Counter == nil:
		return nil, fmt.Errorf("ticket counter cannot be nil")
	case deps.Assignees == nil:
		return nil, fmt.Errorf("assignee mapper cannot be nil")
	case deps.Contacts == nil:
		return nil, fmt.Errorf("contact resolver cannot be nil")
	case deps.Opportunities == nil:
		return nil, fmt.Errorf("opportunity store cannot be nil")
	case deps.LocationID == "":
		return nil, fmt.Errorf("CRM location ID cannot be empty")
	}
	deps.Events = sinkOrNop(deps.Events)
	return &TicketMaterializer{deps: deps, now: time.Now}, nil
}

// CreateTicketFromConversation creates the CRM ticket for conversationID. It is
// safe to call repeatedly for the same conversation: a completed conversation
// reports OutcomeDuplicate, and a run that failed part-way is resumed from its
// checkpoint so the ticket number is not allocated twice.
func (m *TicketMaterializer) CreateTicketFromConversation(ctx context.Context, conversationID string) (Outcome, error) {
	logger := log.With().Str("conversationID", conversationID).Logger()
	logger.Info().Msg("Materializing ticket for conversation")

	conversation, err := m.deps.Intercom.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("fetch conversation %s: %w", conversationID, err)
	}

	customer, err := m.deps.Identity.ResolveCustomer(ctx, conversation)
	if err != nil {
		return "", err
	}
	if customer == nil {
		logger.Info().Msg("Conversation has no real customer, skipping ticket")
		return OutcomeNoCustomer, nil
	}

	entry, state, err := m.deps.Ledger.Claim(ctx, conversationID)
	if err != nil {
		return "", err
	}
	switch state {
	case ClaimCompleted:
		logger.Info().Str("opportunityID", entry.OpportunityID).Str("ticketNumber", entry.TicketNumber).Msg("Ticket already exists for conversation")
		return OutcomeDuplicate, nil
	case ClaimInFlight:
		logger.Info().Msg("Conversation is being processed by another delivery")
		return OutcomeInFlight, nil
	}

	outcome, err := m.materialize(ctx, conversation, customer, entry)
	if err != nil {
		if relErr := m.deps.Ledger.Release(ctx, entry, err); relErr != nil {
			logger.Error().Err(relErr).Msg("Failed to release ledger entry")
		}
		if errors.Is(err, ErrBotIdentity) || errors.Is(err, ErrEmptyEmail) {
			// Acknowledged so the platform does not keep redelivering.
			logger.Warn().Err(err).Msg("Aborting ticket, CRM contact is not a real customer")
			return OutcomeNoCustomer, nil
		}
		logger.Error().Err(err).Str("ticketNumber", entry.TicketNumber).Msg("Ticket materialization failed")
		return "", err
	}
	return outcome, nil
}

func (m *TicketMaterializer) materialize(ctx context.Context, conversation *intercom.Conversation, customer *Customer, entry *models.TicketLedgerEntry) (Outcome, error) {
	schema := m.deps.Schema
	logger := log.With().Str("conversationID", conversation.ID).Logger()

	existing, err := m.deps.Opportunities.FindOpportunityByField(ctx, schema.PipelineID, schema.ConversationIDField, conversation.ID)
	if err != nil {
		return "", fmt.Errorf("look up existing ticket for %s: %w", conversation.ID, err)
	}
	if existing != nil {
		logger.Info().Str("opportunityID", existing.ID).Msg("CRM already holds a ticket for conversation, recording it")
		if err := m.deps.Ledger.Complete(ctx, entry, existing.ID); err != nil {
			return "", err
		}
		return OutcomeDuplicate, nil
	}

	number := entry.TicketNumber
	if number == "" {
		number, err = m.deps.Counter.Next(ctx)
		if err != nil {
			return "", fmt.Errorf("allocate ticket number: %w", err)
		}
		if err := m.deps.Ledger.SaveNumber(ctx, entry, number, customer); err != nil {
			return "", err
		}
		logger.Info().Str("ticketNumber", number).Msg("Allocated ticket number")
	} else {
		logger.Info().Str("ticketNumber", number).Msg("Reusing checkpointed ticket number")
	}

	name := TicketName(number, customer.DisplayName())
	assignee := m.deps.Assignees.Map(conversation.AdminAssigneeID.String())

	contactID := entry.ContactID
	if contactID == "" {
		contactID, err = m.deps.Contacts.FindOrCreateContact(ctx, customer.Email, customer.Name)
		if err != nil {
			return "", fmt.Errorf("resolve CRM contact for %s: %w", customer.Email, err)
		}
		if err := m.deps.Ledger.SaveContact(ctx, entry, contactID); err != nil {
			return "", err
		}
	}

	opportunity, err := m.deps.Opportunities.CreateOpportunity(ctx, crm.CreateOpportunityPayload{
		LocationID:      m.deps.LocationID,
		PipelineID:      schema.PipelineID,
		PipelineStageID: schema.OpenStageID,
		ContactID:       contactID,
		Name:            name,
		Status:          "open",
		Source:          TicketSourceIntercom,
		CustomFields: []crm.CustomField{
			crm.NewCustomField(schema.ConversationIDField, conversation.ID),
			crm.NewCustomField(schema.SourceField, TicketSourceIntercom),
			crm.NewCustomField(schema.CustomerEmailField, customer.Email),
			crm.NewCustomField(schema.OwnerField, assignee),
			crm.NewCustomField(schema.OwnerMirrorField, assignee),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create CRM ticket %q: %w", name, err)
	}

	if err := m.deps.Ledger.Complete(ctx, entry, opportunity.ID); err != nil {
		// The ticket exists; the CRM lookup stops a redelivery from duplicating it.
		logger.Error().Err(err).Str("opportunityID", opportunity.ID).Msg("Ticket created but ledger completion failed")
	}

	logger.Info().
		Str("opportunityID", opportunity.ID).
		Str("ticketNumber", number).
		Str("assignee", assignee).
		Str("customerEmail", customer.Email).
		Msg("Successfully created CRM ticket")

	now := m.now().UTC()
	if m.deps.Audit != nil {
		record := AuditRecord{
			At:             now,
			TicketNumber:   number,
			ConversationID: conversation.ID,
			OpportunityID:  opportunity.ID,
			CustomerName:   customer.DisplayName(),
			CustomerEmail:  customer.Email,
			Assignee:       assignee,
			Action:         "created",
		}
		if err := m.deps.Audit.Append(ctx, record); err != nil {
			logger.Warn().Err(err).Msg("Failed to append ticket audit row")
		}
	}

	m.deps.Events.Emit(ctx, LifecycleEvent{
		Type:           EventTicketCreated,
		ConversationID: conversation.ID,
		OccurredAt:     now,
		Data: map[string]any{
			"opportunity_id": opportunity.ID,
			"ticket_number":  number,
			"ticket_name":    name,
			"assignee":       assignee,
			"customer_email": customer.Email,
			"contact_id":     contactID,
			"degraded":       IsFallbackTicketNumber(number),
			"identity":       customer.Source,
			"resumed":        entry.Attempts > 1,
			"customer_name":  strings.TrimSpace(customer.Name),
		},
	})
	return OutcomeCreated, nil
}
