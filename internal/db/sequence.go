package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // sqlite driver (pure Go)
)

const sequenceOperationTimeout = 5 * time.Second

const sequenceSchema = `
CREATE TABLE IF NOT EXISTS ticket_sequences (
	name       TEXT PRIMARY KEY,
	value      BIGINT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SequenceStore hands out strictly increasing integers per sequence name. Each
// increment is a single upsert statement, so concurrent callers (in this
// process or on other instances sharing the database) never observe the same
// value twice.
type SequenceStore struct {
	db     *sqlx.DB
	driver string
}

// OpenSequenceStore connects with driver "postgres" or "sqlite" and ensures
// the sequence table exists.
func OpenSequenceStore(driver, dsn string) (*SequenceStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported sequence driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("sequence DSN cannot be empty")
	}

	sdb, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sequence database: %w", err)
	}
	if driver == "sqlite" {
		sdb.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sequenceOperationTimeout)
	defer cancel()
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("ping sequence database: %w", err)
	}
	if _, err := sdb.ExecContext(ctx, sequenceSchema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("create sequence table: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Sequence store ready")
	return &SequenceStore{db: sdb, driver: driver}, nil
}

// Next increments the named sequence and returns the new value. A sequence
// that does not exist yet starts at 1.
func (s *SequenceStore) Next(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sequenceOperationTimeout)
	defer cancel()

	query := s.db.Rebind(`
		INSERT INTO ticket_sequences (name, value, updated_at)
		VALUES (?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT (name)
		DO UPDATE SET value = ticket_sequences.value + 1, updated_at = CURRENT_TIMESTAMP
		RETURNING value`)

	var value int64
	if err := s.db.GetContext(ctx, &value, query, name); err != nil {
		return 0, fmt.Errorf("increment sequence %s: %w", name, err)
	}
	return value, nil
}

// Current returns the last value handed out, or 0 for an unknown sequence.
func (s *SequenceStore) Current(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, sequenceOperationTimeout)
	defer cancel()

	var value int64
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM ticket_sequences WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence %s: %w", name, err)
	}
	return value, nil
}

// Seed raises the named sequence to at least value. It never lowers it, so
// seeding from an older spreadsheet value after cut-over is harmless.
func (s *SequenceStore) Seed(ctx context.Context, name string, value int64) error {
	ctx, cancel := context.WithTimeout(ctx, sequenceOperationTimeout)
	defer cancel()

	query := s.db.Rebind(`
		INSERT INTO ticket_sequences (name, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (name)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		WHERE ticket_sequences.value < excluded.value`)
	if _, err := s.db.ExecContext(ctx, query, name, value); err != nil {
		return fmt.Errorf("seed sequence %s: %w", name, err)
	}
	log.Info().Str("sequence", name).Int64("value", value).Msg("Sequence seeded")
	return nil
}

// Close releases the database handle.
func (s *SequenceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
