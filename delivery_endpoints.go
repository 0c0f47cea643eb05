package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// ServiceStatus reports delivery backlog and counter health.
func (s *server) ServiceStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status":              "running",
			"uptime_seconds":      int64(time.Since(s.startedAt).Seconds()),
			"counter_backend":     s.cfg.CounterBackend,
			"degraded_allocation": s.counter.Degraded(),
			"fallback_enabled":    s.cfg.CounterFallbackEnabled,
			"missing_config":      s.cfg.Missing(),
		}
		if s.deliveries != nil {
			status["pending_events"] = s.deliveries.GetPendingEventsCount()
		}
		s.Respond(w, r, http.StatusOK, status)
	}
}

// DeliveryStatus endpoint to check delivery manager status
func (s *server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deliveries == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Delivery manager not initialized")
			return
		}

		eventType := r.URL.Query().Get("event_type")
		limit := 50 // default limit
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
				limit = parsedLimit
			}
		}

		events, count := s.deliveries.PendingEvents(eventType, limit)
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":           "running",
			"total_pending":    s.deliveries.GetPendingEventsCount(),
			"filtered_count":   count,
			"shown_count":      len(events),
			"max_retries":      s.deliveries.maxRetries,
			"timeout_ms":       s.deliveries.timeout.Milliseconds(),
			"retry_backoff_ms": s.deliveries.retryBackoff.Milliseconds(),
			"events":           events,
		})
	}
}

// EventStatus endpoint to check specific event status
func (s *server) EventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deliveries == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Delivery manager not initialized")
			return
		}

		eventID := mux.Vars(r)["eventId"]
		if eventID == "" {
			s.Respond(w, r, http.StatusBadRequest, "Event ID is required")
			return
		}

		event, exists := s.deliveries.GetEventStatus(eventID)
		if !exists {
			s.Respond(w, r, http.StatusNotFound, "Event not found or expired")
			return
		}
		s.Respond(w, r, http.StatusOK, event)
	}
}

// ForceRetry endpoint to manually retry failed events
func (s *server) ForceRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deliveries == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Delivery manager not initialized")
			return
		}

		eventID := mux.Vars(r)["eventId"]
		if eventID == "" {
			retried := s.deliveries.retryFailedEvents()
			s.Respond(w, r, http.StatusOK, map[string]interface{}{
				"message": "Retry triggered for all pending events",
				"retried": retried,
			})
			return
		}

		if !s.deliveries.ForceRetry(eventID) {
			s.Respond(w, r, http.StatusNotFound, "Event not found")
			return
		}
		s.Respond(w, r, http.StatusOK, "Retry triggered for event: "+eventID)
	}
}
