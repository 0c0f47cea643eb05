package services

import (
	"context"

	"ticketsync/internal/adapters/crm"
	"ticketsync/internal/adapters/intercom"
)

// ConversationSource reads authoritative conversation and contact records from
// the messaging platform. *intercom.Client satisfies it.
type ConversationSource interface {
	GetConversation(ctx context.Context, conversationID string) (*intercom.Conversation, error)
	GetContact(ctx context.Context, contactID string) (*intercom.Contact, error)
}

// ContactStore is the CRM contact surface. *crm.Client satisfies it.
type ContactStore interface {
	SearchContactsByEmail(ctx context.Context, email string) ([]crm.Contact, error)
	GetContact(ctx context.Context, contactID string) (*crm.Contact, error)
	CreateContact(ctx context.Context, payload crm.CreateContactPayload) (*crm.Contact, error)
	AddContactTags(ctx context.Context, contactID string, tags []string) error
}

// OpportunityStore is the CRM pipeline surface. *crm.Client satisfies it.
type OpportunityStore interface {
	CreateOpportunity(ctx context.Context, payload crm.CreateOpportunityPayload) (*crm.Opportunity, error)
	UpdateOpportunityFields(ctx context.Context, opportunityID string, fields []crm.CustomField) error
	FindOpportunityByField(ctx context.Context, pipelineID, fieldID, value string) (*crm.Opportunity, error)
}

// SheetValues is the spreadsheet range surface. *sheets.Client satisfies it.
type SheetValues interface {
	GetValues(ctx context.Context, a1Range string) ([][]any, error)
	UpdateValues(ctx context.Context, a1Range string, values [][]any) error
	AppendValues(ctx context.Context, a1Range string, values [][]any) error
}
