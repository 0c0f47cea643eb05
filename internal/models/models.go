package models

import (
	"time"
)

// Ticket materialization states recorded in the ledger.
const (
	LedgerStatusClaimed   = "claimed"   // claim taken, nothing allocated yet
	LedgerStatusNumbered  = "numbered"  // ticket number allocated
	LedgerStatusContacted = "contacted" // CRM contact resolved
	LedgerStatusCompleted = "completed" // CRM opportunity exists
)

// TicketLedgerEntry is the checkpoint of one conversation's ticket creation.
// A unique conversation id makes creation idempotent across redeliveries, and
// the intermediate fields let a retried delivery resume where a failed one
// stopped instead of spending another ticket number.
type TicketLedgerEntry struct {
	ID             uint      `gorm:"primaryKey"`
	ConversationID string    `gorm:"uniqueIndex;not null;comment:Intercom conversation id"`
	Status         string    `gorm:"index;not null"`
	TicketNumber   string    `gorm:"comment:Allocated human-readable ticket number"`
	CustomerEmail  string    `gorm:"comment:Resolved customer email"`
	CustomerName   string
	ContactID      string    `gorm:"comment:CRM contact id"`
	OpportunityID  string    `gorm:"index;comment:CRM opportunity id once created"`
	Attempts       int       `gorm:"default:0"`
	LastError      string    `gorm:"type:text"`
	ClaimedAt      time.Time `gorm:"index;comment:Start of the current processing lease"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName keeps the table name stable regardless of gorm naming strategy.
func (TicketLedgerEntry) TableName() string { return "ticket_ledger" }
