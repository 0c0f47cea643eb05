package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// TicketSequenceName is the row used by the SQL sequence backend.
const TicketSequenceName = "intercom_ticket"

// DefaultCounterRetryDelays are the waits before each retry after a failed
// allocation attempt.
var DefaultCounterRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ErrCounterExhausted is returned by TicketCounter.Next when every attempt
// failed and the fallback is disabled.
var ErrCounterExhausted = errors.New("ticket counter unavailable")

// CounterBackend increments the shared counter and returns the new value.
type CounterBackend interface {
	Increment(ctx context.Context) (int64, error)
}

// SheetCounterBackend keeps the counter in a single spreadsheet cell. The
// read and write are two calls, so two concurrent callers can read the same
// value. Use SequenceBackend when more than one instance allocates numbers.
type SheetCounterBackend struct {
	sheets    SheetValues
	cellRange string
}

// NewSheetCounterBackend creates a backend for cellRange, e.g. "Intercom Counter!B2".
func NewSheetCounterBackend(sheets SheetValues, cellRange string) (*SheetCounterBackend, error) {
	if sheets == nil {
		return nil, fmt.Errorf("sheets client cannot be nil")
	}
	if cellRange == "" {
		return nil, fmt.Errorf("counter range cannot be empty")
	}
	return &SheetCounterBackend{sheets: sheets, cellRange: cellRange}, nil
}

// Increment implements CounterBackend.
func (b *SheetCounterBackend) Increment(ctx context.Context) (int64, error) {
	values, err := b.sheets.GetValues(ctx, b.cellRange)
	if err != nil {
		return 0, fmt.Errorf("read counter cell: %w", err)
	}
	current, err := parseCounterCell(values)
	if err != nil {
		return 0, err
	}

	next := current + 1
	if err := b.sheets.UpdateValues(ctx, b.cellRange, [][]any{{next}}); err != nil {
		return 0, fmt.Errorf("write counter cell: %w", err)
	}
	return next, nil
}

// parseCounterCell treats a missing or blank cell as zero.
func parseCounterCell(values [][]any) (int64, error) {
	if len(values) == 0 || len(values[0]) == 0 || values[0][0] == nil {
		return 0, nil
	}
	raw := strings.TrimSpace(fmt.Sprint(values[0][0]))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter cell holds non-integer value %q: %w", raw, err)
	}
	return n, nil
}

// Sequencer is an atomic named sequence. *db.SequenceStore satisfies it.
type Sequencer interface {
	Next(ctx context.Context, name string) (int64, error)
}

// SequenceBackend allocates from an atomic SQL sequence.
type SequenceBackend struct {
	seq  Sequencer
	name string
}

// NewSequenceBackend creates a backend over the named sequence.
func NewSequenceBackend(seq Sequencer, name string) (*SequenceBackend, error) {
	if seq == nil {
		return nil, fmt.Errorf("sequencer cannot be nil")
	}
	if name == "" {
		name = TicketSequenceName
	}
	return &SequenceBackend{seq: seq, name: name}, nil
}

// Increment implements CounterBackend.
func (b *SequenceBackend) Increment(ctx context.Context) (int64, error) {
	return b.seq.Next(ctx, b.name)
}

// TicketCounter hands out zero-padded ticket numbers with retries and an
// optional degraded fallback.
type TicketCounter struct {
	backend         CounterBackend
	retryDelays     []time.Duration
	fallbackEnabled bool
	events          EventSink
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error

	degraded atomic.Int64
}

// CounterOption configures a TicketCounter.
type CounterOption func(*TicketCounter)

// WithRetryDelays overrides DefaultCounterRetryDelays.
func WithRetryDelays(delays []time.Duration) CounterOption {
	return func(c *TicketCounter) {
		c.retryDelays = append([]time.Duration(nil), delays...)
	}
}

// WithFallback toggles the degraded fallback number.
func WithFallback(enabled bool) CounterOption {
	return func(c *TicketCounter) { c.fallbackEnabled = enabled }
}

// WithCounterEvents sets where counter.degraded events go.
func WithCounterEvents(sink EventSink) CounterOption {
	return func(c *TicketCounter) { c.events = sinkOrNop(sink) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CounterOption {
	return func(c *TicketCounter) { c.now = now }
}

// NewTicketCounter creates a counter over backend. The fallback is enabled
// unless WithFallback(false) is given.
func NewTicketCounter(backend CounterBackend, opts ...CounterOption) (*TicketCounter, error) {
	if backend == nil {
		return nil, fmt.Errorf("counter backend cannot be nil")
	}
	c := &TicketCounter{
		backend:         backend,
		retryDelays:     DefaultCounterRetryDelays,
		fallbackEnabled: true,
		events:          NopSink{},
		now:             time.Now,
		sleep:           sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Next allocates the next ticket number. On success it returns the new value
// zero-padded to five digits. When the backend keeps failing, or the context
// ends before a retry succeeds, it returns a degraded "F" number if the
// fallback is enabled. Otherwise it returns ErrCounterExhausted or the
// context error.
func (c *TicketCounter) Next(ctx context.Context) (string, error) {
	res := c.allocate(ctx)
	if res.value != "" {
		return res.value, nil
	}

	if !c.fallbackEnabled {
		if res.ctxErr != nil {
			return "", res.ctxErr
		}
		log.Error().Err(res.err).Msg("Ticket counter exhausted all retries")
		return "", fmt.Errorf("%w: %v", ErrCounterExhausted, res.err)
	}
	return c.degrade(ctx, res.err), nil
}

type allocation struct {
	value  string
	err    error
	ctxErr error
}

func (c *TicketCounter) allocate(ctx context.Context) allocation {
	var lastErr error
	for attempt := 0; attempt <= len(c.retryDelays); attempt++ {
		if attempt > 0 {
			delay := c.retryDelays[attempt-1]
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("Ticket counter failed, retrying")
			if err := c.sleep(ctx, delay); err != nil {
				return allocation{err: errors.Join(lastErr, err), ctxErr: err}
			}
		}

		value, err := c.backend.Increment(ctx)
		if err == nil {
			return allocation{value: FormatTicketNumber(value)}
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return allocation{err: errors.Join(lastErr, ctxErr), ctxErr: ctxErr}
		}
	}
	return allocation{err: lastErr}
}

func (c *TicketCounter) degrade(ctx context.Context, lastErr error) string {
	fallback := fallbackTicketNumber(c.now())
	total := c.degraded.Add(1)
	log.Error().
		Err(lastErr).
		Str("ticketNumber", fallback).
		Int64("degradedAllocations", total).
		Msg("Ticket counter exhausted all retries, issued fallback number; operator investigation required")
	c.events.Emit(context.WithoutCancel(ctx), LifecycleEvent{
		Type:       EventCounterDegraded,
		OccurredAt: c.now().UTC(),
		Data: map[string]any{
			"ticket_number": fallback,
			"error":         lastErr.Error(),
			"total":         total,
		},
	})
	return fallback
}

// Degraded returns how many fallback numbers have been issued since start.
func (c *TicketCounter) Degraded() int64 {
	return c.degraded.Load()
}

// FormatTicketNumber renders a counter value as a ticket number.
func FormatTicketNumber(value int64) string {
	return fmt.Sprintf("%05d", value)
}

// IsFallbackTicketNumber reports whether number came from the degraded path.
func IsFallbackTicketNumber(number string) bool {
	return strings.HasPrefix(number, "F")
}

func fallbackTicketNumber(now time.Time) string {
	return fmt.Sprintf("F%04d", now.UnixMilli()%10000)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
