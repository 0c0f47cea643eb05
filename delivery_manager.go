package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticketsync/internal/services"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// DeliveryStatus represents the status of a delivery
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// DeliveryEvent represents an event that needs to be delivered
type DeliveryEvent struct {
	ID             string           `json:"id"`
	EventType      string           `json:"event_type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Envelope       Envelope         `json:"envelope"`
	CreatedAt      time.Time        `json:"created_at"`
	AttemptCount   int              `json:"attempt_count"`
	Status         DeliveryStatus   `json:"status"`
	LastError      string           `json:"last_error,omitempty"`
	Delivered      map[string]bool  `json:"delivered_channels"`
	Results        []DeliveryResult `json:"last_results,omitempty"`

	inFlight bool
}

// DeliveryResult represents the result of a delivery attempt
type DeliveryResult struct {
	Channel   string    `json:"channel"` // "rabbitmq", "s3"
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryChannel is one destination for lifecycle events.
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// ChannelFunc adapts a function to DeliveryChannel.
type ChannelFunc struct {
	ChannelName string
	Fn          func(ctx context.Context, env Envelope) error
}

func (c ChannelFunc) Name() string { return c.ChannelName }

func (c ChannelFunc) Deliver(ctx context.Context, env Envelope) error { return c.Fn(ctx, env) }

// DeliveryManager manages reliable event delivery to multiple channels
type DeliveryManager struct {
	mu            sync.RWMutex
	pendingEvents map[string]*DeliveryEvent
	history       *cache.Cache // delivered and failed events, kept for inspection
	channels      []DeliveryChannel
	maxRetries    int
	retryBackoff  time.Duration
	timeout       time.Duration

	inflight sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewDeliveryManager creates a manager over channels. Call Start to run the retry loop.
func NewDeliveryManager(channels ...DeliveryChannel) *DeliveryManager {
	return &DeliveryManager{
		pendingEvents: make(map[string]*DeliveryEvent),
		history:       cache.New(time.Hour, 10*time.Minute),
		channels:      channels,
		maxRetries:    3,
		retryBackoff:  2 * time.Second,
		timeout:       10 * time.Second,
		stop:          make(chan struct{}),
	}
}

// Start launches the background retry processor.
func (dm *DeliveryManager) Start() {
	go dm.processRetries()

	names := make([]string, 0, len(dm.channels))
	for _, ch := range dm.channels {
		names = append(names, ch.Name())
	}
	log.Info().
		Int("maxRetries", dm.maxRetries).
		Dur("timeout", dm.timeout).
		Strs("channels", names).
		Msg("Delivery manager initialized")
}

// Close stops the retry loop and waits for in-flight deliveries.
func (dm *DeliveryManager) Close() {
	dm.stopOnce.Do(func() { close(dm.stop) })
	dm.inflight.Wait()
}

// Emit implements services.EventSink. Unknown event types are dropped.
func (dm *DeliveryManager) Emit(ctx context.Context, event services.LifecycleEvent) {
	if !isValidEventType(event.Type) {
		log.Warn().Str("eventType", event.Type).Msg("Dropping unsupported lifecycle event")
		return
	}
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	env := Envelope{
		Meta: EventMeta{
			ID:       uuid.NewString(),
			Time:     at,
			Type:     event.Type,
			Producer: producerName,
		},
		Data: event,
	}
	if id, ok := hlog.IDFromCtx(ctx); ok {
		env.Meta.CorrelationID = id.String()
	}
	dm.DeliverEvent(&DeliveryEvent{
		ID:             env.Meta.ID,
		EventType:      event.Type,
		ConversationID: event.ConversationID,
		Envelope:       env,
	})
}

// DeliverEvent delivers an event to all configured channels with guaranteed delivery
func (dm *DeliveryManager) DeliverEvent(event *DeliveryEvent) {
	event.CreatedAt = time.Now()
	event.Status = DeliveryStatusPending
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Delivered == nil {
		event.Delivered = make(map[string]bool)
	}

	if len(dm.channels) == 0 {
		log.Debug().Str("eventID", event.ID).Str("eventType", event.EventType).Msg("No delivery channels configured, event not sent")
		return
	}

	dm.mu.Lock()
	dm.pendingEvents[event.ID] = event
	dm.mu.Unlock()

	log.Info().
		Str("eventID", event.ID).
		Str("eventType", event.EventType).
		Str("conversationID", event.ConversationID).
		Msg("Starting parallel delivery")

	dm.launch(event)
}

// launch starts a delivery attempt unless one is already running for event.
func (dm *DeliveryManager) launch(event *DeliveryEvent) bool {
	dm.mu.Lock()
	if event.inFlight {
		dm.mu.Unlock()
		return false
	}
	event.inFlight = true
	dm.mu.Unlock()

	dm.inflight.Add(1)
	go func() {
		defer dm.inflight.Done()
		dm.processDelivery(event)
	}()
	return true
}

// processDelivery handles the actual delivery to all channels not yet delivered.
func (dm *DeliveryManager) processDelivery(event *DeliveryEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), dm.timeout)
	defer cancel()

	dm.mu.RLock()
	todo := make([]DeliveryChannel, 0, len(dm.channels))
	for _, ch := range dm.channels {
		if !event.Delivered[ch.Name()] {
			todo = append(todo, ch)
		}
	}
	env := event.Envelope
	dm.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan DeliveryResult, len(todo))
	for _, ch := range todo {
		wg.Add(1)
		go func(ch DeliveryChannel) {
			defer wg.Done()
			results <- dm.deliverTo(ctx, ch, event.ID, env)
		}(ch)
	}
	wg.Wait()
	close(results)

	var deliveryResults []DeliveryResult
	allSuccess := true
	lastErr := ""
	for result := range results {
		deliveryResults = append(deliveryResults, result)
		if !result.Success {
			allSuccess = false
			lastErr = fmt.Sprintf("%s: %s", result.Channel, result.Error)
		}
		log.Debug().
			Str("eventID", event.ID).
			Str("channel", result.Channel).
			Bool("success", result.Success).
			Int64("durationMs", result.Duration).
			Str("error", result.Error).
			Msg("Channel delivery result")
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	event.inFlight = false
	event.Results = deliveryResults
	for _, r := range deliveryResults {
		if r.Success {
			event.Delivered[r.Channel] = true
		}
	}

	if allSuccess {
		event.Status = DeliveryStatusDelivered
		event.LastError = ""
		delete(dm.pendingEvents, event.ID)
		dm.history.SetDefault(event.ID, event)
		log.Info().
			Str("eventID", event.ID).
			Int("channelsDelivered", len(event.Delivered)).
			Msg("Event successfully delivered to all channels")
		return
	}

	event.AttemptCount++
	event.LastError = lastErr
	if event.AttemptCount >= dm.maxRetries {
		event.Status = DeliveryStatusFailed
		delete(dm.pendingEvents, event.ID)
		dm.history.SetDefault(event.ID, event)
		log.Error().
			Str("eventID", event.ID).
			Str("eventType", event.EventType).
			Int("attemptCount", event.AttemptCount).
			Str("lastError", lastErr).
			Msg("Event delivery failed permanently")
		return
	}
	log.Warn().
		Str("eventID", event.ID).
		Int("attemptCount", event.AttemptCount).
		Int("maxRetries", dm.maxRetries).
		Msg("Event delivery partially failed, will retry")
}

func (dm *DeliveryManager) deliverTo(ctx context.Context, ch DeliveryChannel, eventID string, env Envelope) DeliveryResult {
	start := time.Now()
	result := DeliveryResult{Channel: ch.Name(), Timestamp: start}

	select {
	case <-ctx.Done():
		result.Error = "Context timeout"
		result.Duration = time.Since(start).Milliseconds()
		return result
	default:
	}

	err := ch.Deliver(ctx, env)
	result.Duration = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		log.Error().Err(err).Str("eventID", eventID).Str("channel", ch.Name()).Msg("Channel delivery failed")
		return result
	}
	result.Success = true
	return result
}

// processRetries handles retry logic for failed deliveries
func (dm *DeliveryManager) processRetries() {
	ticker := time.NewTicker(dm.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-dm.stop:
			return
		case <-ticker.C:
			dm.retryFailedEvents()
		}
	}
}

// retryFailedEvents retries events that are still pending
func (dm *DeliveryManager) retryFailedEvents() int {
	dm.mu.RLock()
	eventsToRetry := make([]*DeliveryEvent, 0)
	for _, event := range dm.pendingEvents {
		if event.Status == DeliveryStatusPending &&
			!event.inFlight &&
			event.AttemptCount > 0 &&
			event.AttemptCount < dm.maxRetries &&
			time.Since(event.CreatedAt) > dm.retryBackoff {
			eventsToRetry = append(eventsToRetry, event)
		}
	}
	dm.mu.RUnlock()

	retried := 0
	for _, event := range eventsToRetry {
		if dm.launch(event) {
			retried++
			log.Info().
				Str("eventID", event.ID).
				Int("attemptCount", event.AttemptCount).
				Msg("Retrying failed event delivery")
		}
	}
	return retried
}

// ForceRetry resets and re-sends one event, pending or permanently failed.
func (dm *DeliveryManager) ForceRetry(eventID string) bool {
	dm.mu.Lock()
	event, ok := dm.pendingEvents[eventID]
	if !ok {
		if cached, found := dm.history.Get(eventID); found {
			event = cached.(*DeliveryEvent)
			ok = event.Status == DeliveryStatusFailed
			if ok {
				dm.history.Delete(eventID)
				dm.pendingEvents[eventID] = event
			}
		}
	}
	if ok {
		event.AttemptCount = 0
		event.Status = DeliveryStatusPending
	}
	dm.mu.Unlock()

	if !ok {
		return false
	}
	dm.launch(event)
	log.Info().Str("eventID", eventID).Msg("Manual retry triggered for event")
	return true
}

// GetPendingEventsCount returns the number of pending events
func (dm *DeliveryManager) GetPendingEventsCount() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.pendingEvents)
}

// GetEventStatus returns a snapshot of a pending or recently finished event.
func (dm *DeliveryManager) GetEventStatus(eventID string) (DeliveryEvent, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if event, exists := dm.pendingEvents[eventID]; exists {
		return snapshot(event), true
	}
	if cached, found := dm.history.Get(eventID); found {
		return snapshot(cached.(*DeliveryEvent)), true
	}
	return DeliveryEvent{}, false
}

// PendingEvents returns snapshots of up to limit pending events.
func (dm *DeliveryManager) PendingEvents(eventType string, limit int) ([]DeliveryEvent, int) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	events := make([]DeliveryEvent, 0)
	count := 0
	for _, event := range dm.pendingEvents {
		if eventType != "" && event.EventType != eventType {
			continue
		}
		if count < limit {
			events = append(events, snapshot(event))
		}
		count++
	}
	return events, count
}

// snapshot copies event for use outside the lock. Caller holds dm.mu.
func snapshot(event *DeliveryEvent) DeliveryEvent {
	cp := *event
	cp.Delivered = make(map[string]bool, len(event.Delivered))
	for k, v := range event.Delivered {
		cp.Delivered[k] = v
	}
	cp.Results = append([]DeliveryResult(nil), event.Results...)
	return cp
}

func rabbitChannel(p *RabbitPublisher) DeliveryChannel {
	return ChannelFunc{ChannelName: channelRabbitMQ, Fn: p.Publish}
}

func s3Channel(a *S3Archive) DeliveryChannel {
	return ChannelFunc{ChannelName: channelS3, Fn: func(ctx context.Context, env Envelope) error {
		_, err := a.Store(ctx, env)
		return err
	}}
}
