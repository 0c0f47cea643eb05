package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ticketsync/internal/services"

	"github.com/gorilla/mux"
)

const testSecret = "s3cret"

type stubTickets struct {
	mu      sync.Mutex
	calls   []string
	outcome services.Outcome
	err     error
	ctxErr  error
}

func (s *stubTickets) CreateTicketFromConversation(ctx context.Context, id string) (services.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return "", s.err
	}
	if s.outcome == "" {
		return services.OutcomeCreated, nil
	}
	return s.outcome, nil
}

type stubAssignments struct {
	calls []string
}

func (s *stubAssignments) SyncAssignment(_ context.Context, id string) (services.Outcome, error) {
	s.calls = append(s.calls, id)
	return services.OutcomeAssigned, nil
}

func newTestHandler(tickets *stubTickets, assignments *stubAssignments, opts IntercomHandlerOptions) *IntercomHandler {
	if opts.WebhookSecret == "" {
		opts.WebhookSecret = testSecret
	}
	return NewIntercomHandler(tickets, assignments, opts)
}

func notification(id, topic, itemID string) string {
	return `{"type":"notification_event","id":"` + id + `","topic":"` + topic +
		`","data":{"type":"notification_event_data","item":{"type":"conversation","id":"` + itemID + `"}}}`
}

func signedRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/intercom", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, ComputeSignature(testSecret, []byte(body), "sha1"))
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWebhookCreatesTicket(t *testing.T) {
	tickets := &stubTickets{}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(notification("n1", "conversation.user.created", "C1")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["received"] != true || body["topic"] != "conversation.user.created" || body["timestamp"] == "" {
		t.Fatalf("body = %v", body)
	}
	if len(tickets.calls) != 1 || tickets.calls[0] != "C1" {
		t.Fatalf("calls = %v", tickets.calls)
	}
}

func TestWebhookAcceptsSHA256Signature(t *testing.T) {
	tickets := &stubTickets{}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})
	body := notification("n1", "conversation.user.created", "C1")
	req := signedRequest(body)
	req.Header.Set(SignatureHeader, ComputeSignature(testSecret, []byte(body), "sha256"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookRoutesAssignment(t *testing.T) {
	assignments := &stubAssignments{}
	tickets := &stubTickets{}
	h := newTestHandler(tickets, assignments, IntercomHandlerOptions{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(notification("n2", "conversation.admin.assigned", "C2")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(assignments.calls) != 1 || assignments.calls[0] != "C2" || len(tickets.calls) != 0 {
		t.Fatalf("assignments=%v tickets=%v", assignments.calls, tickets.calls)
	}
}

func TestWebhookAcknowledgesIgnoredTopics(t *testing.T) {
	tickets := &stubTickets{}
	assignments := &stubAssignments{}
	h := newTestHandler(tickets, assignments, IntercomHandlerOptions{})

	for i, topic := range []string{"ping", "conversation.user.replied", "conversation.admin.closed", "contact.created"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(notification(string(rune('a'+i)), topic, "C1")))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", topic, rec.Code)
		}
		if got := decodeBody(t, rec)["topic"]; got != topic {
			t.Fatalf("%s: echoed topic = %v", topic, got)
		}
	}
	if len(tickets.calls)+len(assignments.calls) != 0 {
		t.Fatal("ignored topics must not reach the services")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	tickets := &stubTickets{}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})

	req := signedRequest(notification("n1", "conversation.user.created", "C1"))
	req.Header.Set(SignatureHeader, "sha1=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if decodeBody(t, rec)["error"] == nil {
		t.Fatal("401 body should carry an error")
	}
	if len(tickets.calls) != 0 {
		t.Fatal("unsigned delivery reached the service")
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/intercom", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d, want 401", rec.Code)
	}
}

func TestWebhookSkipsVerificationWithoutSecret(t *testing.T) {
	tickets := &stubTickets{}
	h := NewIntercomHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/intercom", strings.NewReader(notification("n1", "conversation.user.created", "C1")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(tickets.calls) != 1 {
		t.Fatalf("status = %d calls = %v", rec.Code, tickets.calls)
	}
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	h := newTestHandler(&stubTickets{}, &stubAssignments{}, IntercomHandlerOptions{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(`{"topic":`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookRejectsOtherMethods(t *testing.T) {
	h := newTestHandler(&stubTickets{}, &stubAssignments{}, IntercomHandlerOptions{})
	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/webhooks/intercom", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: status = %d, want 405", method, rec.Code)
		}
	}
}

func TestWebhookReportsHandlerFailure(t *testing.T) {
	tickets := &stubTickets{err: errors.New("crm unavailable")}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(notification("n1", "conversation.user.created", "C1")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if msg, _ := decodeBody(t, rec)["message"].(string); !strings.Contains(msg, "crm unavailable") {
		t.Fatalf("message = %q", msg)
	}

	// A failed delivery is not remembered, so the platform retry is processed.
	tickets.err = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(notification("n1", "conversation.user.created", "C1")))
	if rec.Code != http.StatusOK || len(tickets.calls) != 2 {
		t.Fatalf("retry status = %d calls = %d", rec.Code, len(tickets.calls))
	}
}

func TestWebhookFailsWhenConfigurationMissing(t *testing.T) {
	tickets := &stubTickets{}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{
		Missing: func() []string { return []string{"CRM_API_KEY"} },
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(notification("n1", "conversation.user.created", "C1")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] == nil || !strings.Contains(body["message"].(string), "CRM_API_KEY") {
		t.Fatalf("body = %v", body)
	}
	if len(tickets.calls) != 0 {
		t.Fatal("service invoked without configuration")
	}
}

func TestWebhookDeduplicatesRedeliveries(t *testing.T) {
	tickets := &stubTickets{}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})
	body := notification("n1", "conversation.user.created", "C1")

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rec.Code)
		}
	}
	if len(tickets.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(tickets.calls))
	}
}

func TestWebhookDoesNotRememberInFlightDeliveries(t *testing.T) {
	tickets := &stubTickets{outcome: services.OutcomeInFlight}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})
	body := notification("n1", "conversation.user.created", "C1")

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if len(tickets.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(tickets.calls))
	}
}

func TestWebhookProcessingOutlivesClientDisconnect(t *testing.T) {
	tickets := &stubTickets{}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := signedRequest(notification("n1", "conversation.user.created", "C1")).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if tickets.ctxErr != nil {
		t.Fatalf("service saw cancelled context: %v", tickets.ctxErr)
	}
}

func TestWebhookRejectsMissingConversationID(t *testing.T) {
	h := newTestHandler(&stubTickets{}, &stubAssignments{}, IntercomHandlerOptions{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(`{"id":"n1","topic":"conversation.user.created","data":{}}`))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestHealthReportsSecretPresence(t *testing.T) {
	h := newTestHandler(&stubTickets{}, &stubAssignments{}, IntercomHandlerOptions{
		Missing: func() []string { return []string{"SHEETS_CREDENTIALS"} },
		Secrets: func() map[string]bool {
			return map[string]bool{"INTERCOM_TOKEN": true, "SHEETS_CREDENTIALS": false}
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/intercom", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "misconfigured" {
		t.Fatalf("status = %v", body["status"])
	}
	secrets, _ := body["secrets"].(map[string]any)
	if secrets["INTERCOM_TOKEN"] != true || secrets["SHEETS_CREDENTIALS"] != false {
		t.Fatalf("secrets = %v", secrets)
	}
	if strings.Contains(rec.Body.String(), testSecret) {
		t.Fatal("health output leaked a secret value")
	}
}

func TestRedrive(t *testing.T) {
	tickets := &stubTickets{outcome: services.OutcomeDuplicate}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})

	req := httptest.NewRequest(http.MethodPost, "/intercom/conversations/C9/ticket", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "C9"})
	rec := httptest.NewRecorder()
	h.Redrive(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["conversation_id"] != "C9" || body["outcome"] != "duplicate" {
		t.Fatalf("body = %v", body)
	}

	rec = httptest.NewRecorder()
	h.Redrive(rec, httptest.NewRequest(http.MethodPost, "/intercom/conversations//ticket", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d, want 400", rec.Code)
	}
}

func TestRedriveOutlivesClientDisconnect(t *testing.T) {
	tickets := &stubTickets{}
	h := newTestHandler(tickets, &stubAssignments{}, IntercomHandlerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/intercom/conversations/C9/ticket", nil).WithContext(ctx)
	req = mux.SetURLVars(req, map[string]string{"id": "C9"})
	rec := httptest.NewRecorder()
	h.Redrive(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if tickets.ctxErr != nil {
		t.Fatalf("service saw cancelled context: %v", tickets.ctxErr)
	}
}
