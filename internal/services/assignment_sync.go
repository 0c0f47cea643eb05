package services

import (
	"context"
	"fmt"
	"time"

	"ticketsync/internal/adapters/crm"

	"github.com/rs/zerolog/log"
)

// AssignmentSynchronizer mirrors the conversation assignee onto the ticket's
// owner fields.
type AssignmentSynchronizer struct {
	intercom      ConversationSource
	opportunities OpportunityStore
	assignees     *AssigneeMapper
	schema        TicketSchema
	events        EventSink
	now           func() time.Time
}

// NewAssignmentSynchronizer creates a new AssignmentSynchronizer. events may be nil.
func NewAssignmentSynchronizer(source ConversationSource, opportunities OpportunityStore, assignees *AssigneeMapper, schema TicketSchema, events EventSink) (*AssignmentSynchronizer, error) {
	if source == nil {
		return nil, fmt.Errorf("conversation source cannot be nil")
	}
	if opportunities == nil {
		return nil, fmt.Errorf("opportunity store cannot be nil")
	}
	if assignees == nil {
		return nil, fmt.Errorf("assignee mapper cannot be nil")
	}
	return &AssignmentSynchronizer{
		intercom:      source,
		opportunities: opportunities,
		assignees:     assignees,
		schema:        schema,
		events:        sinkOrNop(events),
		now:           time.Now,
	}, nil
}

// SyncAssignment re-reads the conversation's current assignee and writes it to
// both owner fields of the matching ticket. The webhook payload's assignee is
// never trusted, so out-of-order deliveries converge on the latest state.
func (s *AssignmentSynchronizer) SyncAssignment(ctx context.Context, conversationID string) (Outcome, error) {
	logger := log.With().Str("conversationID", conversationID).Logger()

	conversation, err := s.intercom.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("fetch conversation %s: %w", conversationID, err)
	}
	adminID := conversation.AdminAssigneeID.String()
	assignee := s.assignees.Map(adminID)

	ticket, err := s.opportunities.FindOpportunityByField(ctx, s.schema.PipelineID, s.schema.ConversationIDField, conversationID)
	if err != nil {
		return "", fmt.Errorf("find ticket for conversation %s: %w", conversationID, err)
	}
	if ticket == nil {
		logger.Info().Str("assignee", assignee).Msg("No ticket found for conversation, nothing to assign")
		return OutcomeNoTicket, nil
	}

	previous, _ := ticket.FieldValue(s.schema.OwnerField)
	fields := []crm.CustomField{
		crm.NewCustomField(s.schema.OwnerField, assignee),
		crm.NewCustomField(s.schema.OwnerMirrorField, assignee),
	}
	if err := s.opportunities.UpdateOpportunityFields(ctx, ticket.ID, fields); err != nil {
		return "", fmt.Errorf("update owner of ticket %s: %w", ticket.ID, err)
	}

	logger.Info().
		Str("opportunityID", ticket.ID).
		Str("adminID", adminID).
		Str("previousAssignee", previous).
		Str("assignee", assignee).
		Msg("Synchronized ticket assignee")

	s.events.Emit(ctx, LifecycleEvent{
		Type:           EventTicketAssigned,
		ConversationID: conversationID,
		OccurredAt:     s.now().UTC(),
		Data: map[string]any{
			"opportunity_id":    ticket.ID,
			"admin_id":          adminID,
			"assignee":          assignee,
			"previous_assignee": previous,
		},
	})
	return OutcomeAssigned, nil
}
