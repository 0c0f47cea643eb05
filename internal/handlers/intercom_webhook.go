package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ticketsync/internal/adapters/intercom"
	"ticketsync/internal/services"

	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = 1 << 20

// TicketCreator is satisfied by *services.TicketMaterializer.
type TicketCreator interface {
	CreateTicketFromConversation(ctx context.Context, conversationID string) (services.Outcome, error)
}

// AssignmentSyncer is satisfied by *services.AssignmentSynchronizer.
type AssignmentSyncer interface {
	SyncAssignment(ctx context.Context, conversationID string) (services.Outcome, error)
}

// IntercomHandlerOptions configures an IntercomHandler.
type IntercomHandlerOptions struct {
	WebhookSecret     string
	Missing           func() []string        // required configuration that is absent
	Secrets           func() map[string]bool // per-secret presence flags for the health probe
	DedupWindow       time.Duration
	ProcessingTimeout time.Duration
}

// IntercomHandler receives Intercom webhooks and dispatches them by topic.
type IntercomHandler struct {
	tickets     TicketCreator
	assignments AssignmentSyncer
	opts        IntercomHandlerOptions
	seen        *cache.Cache
	now         func() time.Time
}

// NewIntercomHandler creates a new IntercomHandler.
func NewIntercomHandler(tickets TicketCreator, assignments AssignmentSyncer, opts IntercomHandlerOptions) *IntercomHandler {
	if tickets == nil {
		log.Fatal().Msg("TicketCreator cannot be nil for IntercomHandler")
	}
	if assignments == nil {
		log.Fatal().Msg("AssignmentSyncer cannot be nil for IntercomHandler")
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = time.Hour
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 90 * time.Second
	}
	if opts.Missing == nil {
		opts.Missing = func() []string { return nil }
	}
	if opts.Secrets == nil {
		opts.Secrets = func() map[string]bool { return map[string]bool{} }
	}
	if opts.WebhookSecret == "" {
		log.Warn().Msg("Intercom webhook secret is not configured, signatures will NOT be verified")
	}
	return &IntercomHandler{
		tickets:     tickets,
		assignments: assignments,
		opts:        opts,
		seen:        cache.New(opts.DedupWindow, opts.DedupWindow*2),
		now:         time.Now,
	}
}

// ServeHTTP routes by method: POST is a webhook delivery, GET is the health probe.
func (h *IntercomHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.Handle(w, r)
	case http.MethodGet:
		h.Health(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	}
}

// Health reports which required secrets are configured, never their values.
func (h *IntercomHandler) Health(w http.ResponseWriter, r *http.Request) {
	missing := h.opts.Missing()
	status := "ok"
	if len(missing) > 0 {
		status = "misconfigured"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"secrets":   h.opts.Secrets(),
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// Handle processes a webhook delivery.
func (h *IntercomHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read request body")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read request body", "message": err.Error()})
		return
	}

	if missing := h.opts.Missing(); len(missing) > 0 {
		log.Error().Strs("missing", missing).Msg("Rejecting webhook, required configuration is missing")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Server misconfigured",
			"message": "missing required configuration: " + strings.Join(missing, ", "),
		})
		return
	}

	if h.opts.WebhookSecret == "" {
		log.Warn().Msg("Webhook secret is not configured. Skipping signature validation.")
	} else if !VerifySignature(h.opts.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		log.Warn().Str("remoteAddr", r.RemoteAddr).Msg("Invalid webhook signature")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	var notification intercom.WebhookNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		log.Error().Err(err).Msg("Failed to decode JSON request body into WebhookNotification")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	topic := notification.Topic
	conversationID := notification.ItemID()
	logger := log.With().
		Str("topic", topic).
		Str("notificationID", notification.ID).
		Str("conversationID", conversationID).
		Int("deliveryAttempts", notification.DeliveryAttempts).
		Logger()
	logger.Info().Msg("Received Intercom webhook")

	if notification.ID != "" {
		if _, dup := h.seen.Get(notification.ID); dup {
			logger.Info().Msg("Notification already handled, acknowledging redelivery")
			h.acknowledge(w, topic)
			return
		}
	}

	// Processing outlives a dropped connection so a half-written ticket is not abandoned.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.opts.ProcessingTimeout)
	defer cancel()

	outcome, err := h.dispatch(ctx, topic, conversationID)
	if err != nil {
		logger.Error().Err(err).Msg("Webhook handler failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Handler failed", "message": err.Error()})
		return
	}
	if outcome != "" {
		logger.Info().Str("outcome", string(outcome)).Msg("Webhook handled")
	}

	// In-flight deliveries are not remembered; the platform's retry must reach the ledger again.
	if notification.ID != "" && outcome != services.OutcomeInFlight {
		h.seen.SetDefault(notification.ID, struct{}{})
	}
	h.acknowledge(w, topic)
}

func (h *IntercomHandler) dispatch(ctx context.Context, topic, conversationID string) (services.Outcome, error) {
	switch topic {
	case intercom.TopicConversationUserCreated:
		if conversationID == "" {
			return "", fmt.Errorf("%s notification has no conversation id", topic)
		}
		return h.tickets.CreateTicketFromConversation(ctx, conversationID)
	case intercom.TopicConversationAdminAssigned:
		if conversationID == "" {
			return "", fmt.Errorf("%s notification has no conversation id", topic)
		}
		return h.assignments.SyncAssignment(ctx, conversationID)
	case intercom.TopicConversationUserReplied, intercom.TopicConversationAdminClosed, intercom.TopicPing:
		log.Debug().Str("topic", topic).Msg("Topic acknowledged without processing")
		return "", nil
	default:
		log.Warn().Str("topic", topic).Msg("Received unknown Intercom topic")
		return "", nil
	}
}

func (h *IntercomHandler) acknowledge(w http.ResponseWriter, topic string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"topic":     topic,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// Redrive re-runs ticket creation for the conversation in the {id} route
// variable. The usual idempotency rules apply.
func (h *IntercomHandler) Redrive(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversation id is required"})
		return
	}
	if missing := h.opts.Missing(); len(missing) > 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Server misconfigured",
			"message": "missing required configuration: " + strings.Join(missing, ", "),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.opts.ProcessingTimeout)
	defer cancel()

	outcome, err := h.tickets.CreateTicketFromConversation(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Str("conversationID", conversationID).Msg("Ticket re-drive failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Handler failed", "message": err.Error()})
		return
	}
	log.Info().Str("conversationID", conversationID).Str("outcome", string(outcome)).Msg("Ticket re-drive finished")
	writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": conversationID,
		"outcome":         string(outcome),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
