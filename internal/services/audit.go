package services

import (
	"context"
	"fmt"
	"time"
)

// AuditRecord is one row of the ticket log sheet.
type AuditRecord struct {
	At             time.Time
	TicketNumber   string
	ConversationID string
	OpportunityID  string
	CustomerName   string
	CustomerEmail  string
	Assignee       string
	Action         string
}

// Row renders the record as the eight columns A:H.
func (r AuditRecord) Row() []any {
	return []any{
		r.At.UTC().Format(time.RFC3339),
		r.TicketNumber,
		r.ConversationID,
		r.OpportunityID,
		r.CustomerName,
		r.CustomerEmail,
		r.Assignee,
		r.Action,
	}
}

// AuditLog appends ticket rows to a spreadsheet range.
type AuditLog struct {
	sheets    SheetValues
	cellRange string
}

// NewAuditLog creates a log writing to cellRange, e.g. "Ticket Log!A:H".
func NewAuditLog(sheets SheetValues, cellRange string) (*AuditLog, error) {
	if sheets == nil {
		return nil, fmt.Errorf("sheets client cannot be nil")
	}
	if cellRange == "" {
		return nil, fmt.Errorf("audit range cannot be empty")
	}
	return &AuditLog{sheets: sheets, cellRange: cellRange}, nil
}

// Append writes one record.
func (a *AuditLog) Append(ctx context.Context, record AuditRecord) error {
	if err := a.sheets.AppendValues(ctx, a.cellRange, [][]any{record.Row()}); err != nil {
		return fmt.Errorf("append audit row for ticket %s: %w", record.TicketNumber, err)
	}
	return nil
}
