package services

import (
	"context"
	"errors"
	"testing"

	"ticketsync/internal/adapters/crm"
)

func newTestResolver(t *testing.T, store *fakeCRM) *ContactResolver {
	t.Helper()
	r, err := NewContactResolver(store, "loc1")
	if err != nil {
		t.Fatalf("NewContactResolver: %v", err)
	}
	return r
}

func TestFindOrCreateContactRejectsEmptyAndBot(t *testing.T) {
	r := newTestResolver(t, newFakeCRM())
	if _, err := r.FindOrCreateContact(context.Background(), "  ", "Alice"); !errors.Is(err, ErrEmptyEmail) {
		t.Fatalf("empty email err = %v", err)
	}
	if _, err := r.FindOrCreateContact(context.Background(), "operator+1@intercom.io", "Fin"); !errors.Is(err, ErrBotIdentity) {
		t.Fatalf("bot email err = %v", err)
	}
}

func TestFindOrCreateContactReusesTaggedMatch(t *testing.T) {
	store := newFakeCRM()
	store.addContact(crm.Contact{ID: "c1", Email: "Alice@Example.com", Tags: []string{"intercom"}})
	r := newTestResolver(t, store)

	id, err := r.FindOrCreateContact(context.Background(), "alice@example.com", "Alice")
	if err != nil || id != "c1" {
		t.Fatalf("got %q, %v; want c1", id, err)
	}
	if store.tagCalls != 0 || store.createCalls != 0 {
		t.Fatalf("tagCalls=%d createCalls=%d, want 0/0", store.tagCalls, store.createCalls)
	}
}

func TestFindOrCreateContactTagsUntaggedMatch(t *testing.T) {
	store := newFakeCRM()
	store.addContact(crm.Contact{ID: "c1", Email: "alice@example.com"})
	r := newTestResolver(t, store)

	id, err := r.FindOrCreateContact(context.Background(), "alice@example.com", "Alice")
	if err != nil || id != "c1" {
		t.Fatalf("got %q, %v; want c1", id, err)
	}
	if store.tagCalls != 1 {
		t.Fatalf("tagCalls = %d, want 1", store.tagCalls)
	}
	if c := store.contacts["c1"]; !c.HasTag(ContactTag) {
		t.Fatalf("contact tags = %v", c.Tags)
	}
}

func TestFindOrCreateContactIgnoresPartialMatches(t *testing.T) {
	store := newFakeCRM()
	store.addContact(crm.Contact{ID: "c1", Email: "malice@example.com", Tags: []string{"intercom"}})
	r := newTestResolver(t, store)

	id, err := r.FindOrCreateContact(context.Background(), "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("FindOrCreateContact: %v", err)
	}
	if id == "c1" {
		t.Fatal("partial email match must not be reused")
	}
	if store.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", store.createCalls)
	}
	if c := store.contacts[id]; c.Email != "alice@example.com" || !c.HasTag(ContactTag) || c.LocationID != "loc1" {
		t.Fatalf("created contact = %+v", c)
	}
	if c := store.contacts["c1"]; c.Email != "malice@example.com" {
		t.Fatalf("seeded contact overwritten: %+v", c)
	}
}

func TestFindOrCreateContactRecoversFromDuplicate(t *testing.T) {
	store := newFakeCRM()
	store.addContact(crm.Contact{ID: "c9", Email: "alice@example.com"})
	store.searchHides = true
	store.createErr = &crm.APIError{StatusCode: 400, Body: `{"statusCode":400,"message":"duplicate","meta":{"contactId":"c9"}}`}
	r := newTestResolver(t, store)

	id, err := r.FindOrCreateContact(context.Background(), "alice@example.com", "Alice")
	if err != nil || id != "c9" {
		t.Fatalf("got %q, %v; want c9", id, err)
	}
	if !store.contacts["c9"].HasTag(ContactTag) {
		t.Fatal("recovered contact should be tagged")
	}
}

func TestFindOrCreateContactDuplicateBotIsHardFailure(t *testing.T) {
	store := newFakeCRM()
	store.addContact(crm.Contact{ID: "c9", Name: "Fin", Email: "operator+5@intercom.io"})
	store.searchHides = true
	store.createErr = &crm.APIError{StatusCode: 400, Body: `{"meta":{"contactId":"c9"}}`}
	r := newTestResolver(t, store)

	if _, err := r.FindOrCreateContact(context.Background(), "alice@example.com", "Alice"); !errors.Is(err, ErrBotIdentity) {
		t.Fatalf("err = %v, want ErrBotIdentity", err)
	}
}

func TestFindOrCreateContactPropagatesOtherErrors(t *testing.T) {
	store := newFakeCRM()
	store.createErr = &crm.APIError{StatusCode: 500, Body: `{"message":"down"}`}
	r := newTestResolver(t, store)
	_, err := r.FindOrCreateContact(context.Background(), "alice@example.com", "Alice")
	var apiErr *crm.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("err = %v, want CRM 500", err)
	}
}
