package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketsync/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultClaimLease is how long an unfinished claim blocks other workers.
const DefaultClaimLease = 2 * time.Minute

// ClaimState is the result of trying to claim a conversation.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the entry and must finish or release it.
	ClaimAcquired ClaimState = iota
	// ClaimCompleted means a ticket already exists for the conversation.
	ClaimCompleted
	// ClaimInFlight means another worker holds a live lease.
	ClaimInFlight
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimCompleted:
		return "completed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("ClaimState(%d)", int(s))
	}
}

// Ledger records ticket creation progress per conversation.
type Ledger struct {
	db    *gorm.DB
	lease time.Duration
	now   func() time.Time
}

// NewLedger creates a new Ledger. The ticket_ledger table must already be migrated.
func NewLedger(db *gorm.DB, lease time.Duration) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance (gorm.DB) cannot be nil")
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &Ledger{db: db, lease: lease, now: time.Now}, nil
}

// Claim takes the processing lease for conversationID. A new conversation gets
// a fresh entry. An unfinished entry whose lease expired (or was released) is
// taken over with its checkpoint intact.
func (l *Ledger) Claim(ctx context.Context, conversationID string) (*models.TicketLedgerEntry, ClaimState, error) {
	if conversationID == "" {
		return nil, ClaimInFlight, fmt.Errorf("conversation ID cannot be empty")
	}
	now := l.now().UTC()
	tx := l.db.WithContext(ctx)

	entry := models.TicketLedgerEntry{
		ConversationID: conversationID,
		Status:         models.LedgerStatusClaimed,
		Attempts:       1,
		ClaimedAt:      now,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		DoNothing: true,
	}).Create(&entry)
	if res.Error != nil {
		return nil, ClaimInFlight, fmt.Errorf("claim ledger entry for %s: %w", conversationID, res.Error)
	}
	if res.RowsAffected == 1 {
		log.Debug().Str("conversationID", conversationID).Msg("Ledger entry claimed")
		return &entry, ClaimAcquired, nil
	}

	var existing models.TicketLedgerEntry
	if err := tx.Where("conversation_id = ?", conversationID).First(&existing).Error; err != nil {
		return nil, ClaimInFlight, fmt.Errorf("load ledger entry for %s: %w", conversationID, err)
	}
	if existing.Status == models.LedgerStatusCompleted {
		return &existing, ClaimCompleted, nil
	}
	if !existing.ClaimedAt.IsZero() && now.Sub(existing.ClaimedAt) < l.lease {
		return &existing, ClaimInFlight, nil
	}

	// Attempts doubles as an optimistic version so only one worker wins the takeover.
	res = tx.Model(&models.TicketLedgerEntry{}).
		Where("id = ? AND attempts = ? AND status <> ?", existing.ID, existing.Attempts, models.LedgerStatusCompleted).
		Updates(map[string]any{
			"attempts":   existing.Attempts + 1,
			"claimed_at": now,
		})
	if res.Error != nil {
		return nil, ClaimInFlight, fmt.Errorf("take over ledger entry for %s: %w", conversationID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &existing, ClaimInFlight, nil
	}
	existing.Attempts++
	existing.ClaimedAt = now
	log.Info().
		Str("conversationID", conversationID).
		Str("status", existing.Status).
		Str("ticketNumber", existing.TicketNumber).
		Int("attempt", existing.Attempts).
		Msg("Resuming ledger entry from checkpoint")
	return &existing, ClaimAcquired, nil
}

// SaveNumber checkpoints the allocated ticket number.
func (l *Ledger) SaveNumber(ctx context.Context, entry *models.TicketLedgerEntry, number string, customer *Customer) error {
	updates := map[string]any{
		"status":        models.LedgerStatusNumbered,
		"ticket_number": number,
	}
	if customer != nil {
		updates["customer_email"] = customer.Email
		updates["customer_name"] = customer.Name
	}
	if err := l.update(ctx, entry, updates); err != nil {
		return err
	}
	entry.Status = models.LedgerStatusNumbered
	entry.TicketNumber = number
	if customer != nil {
		entry.CustomerEmail = customer.Email
		entry.CustomerName = customer.Name
	}
	return nil
}

// SaveContact checkpoints the resolved CRM contact.
func (l *Ledger) SaveContact(ctx context.Context, entry *models.TicketLedgerEntry, contactID string) error {
	if err := l.update(ctx, entry, map[string]any{
		"status":     models.LedgerStatusContacted,
		"contact_id": contactID,
	}); err != nil {
		return err
	}
	entry.Status = models.LedgerStatusContacted
	entry.ContactID = contactID
	return nil
}

// Complete marks the entry done with the CRM opportunity that represents it.
func (l *Ledger) Complete(ctx context.Context, entry *models.TicketLedgerEntry, opportunityID string) error {
	if err := l.update(ctx, entry, map[string]any{
		"status":         models.LedgerStatusCompleted,
		"opportunity_id": opportunityID,
		"last_error":     "",
	}); err != nil {
		return err
	}
	entry.Status = models.LedgerStatusCompleted
	entry.OpportunityID = opportunityID
	entry.LastError = ""
	return nil
}

// Release records cause and drops the lease so the next delivery resumes at once.
func (l *Ledger) Release(ctx context.Context, entry *models.TicketLedgerEntry, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	// A cancelled request context must not prevent the release.
	ctx = context.WithoutCancel(ctx)
	if err := l.update(ctx, entry, map[string]any{
		"last_error": msg,
		"claimed_at": time.Time{},
	}); err != nil {
		return err
	}
	entry.LastError = msg
	entry.ClaimedAt = time.Time{}
	return nil
}

// Get returns the entry for conversationID, or nil when none exists.
func (l *Ledger) Get(ctx context.Context, conversationID string) (*models.TicketLedgerEntry, error) {
	var entry models.TicketLedgerEntry
	err := l.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger entry for %s: %w", conversationID, err)
	}
	return &entry, nil
}

func (l *Ledger) update(ctx context.Context, entry *models.TicketLedgerEntry, updates map[string]any) error {
	if entry == nil || entry.ID == 0 {
		return fmt.Errorf("ledger entry is not persisted")
	}
	err := l.db.WithContext(ctx).Model(&models.TicketLedgerEntry{}).Where("id = ?", entry.ID).Updates(updates).Error
	if err != nil {
		log.Error().Err(err).Str("conversationID", entry.ConversationID).Msg("Failed to update ledger entry")
		return fmt.Errorf("update ledger entry for %s: %w", entry.ConversationID, err)
	}
	return nil
}
