package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ticketsync/internal/adapters/crm"
	"ticketsync/internal/adapters/intercom"
	"ticketsync/internal/db"
	"ticketsync/internal/models"
)

type fakeIntercom struct {
	mu            sync.Mutex
	conversations map[string]*intercom.Conversation
	contacts      map[string]*intercom.Contact
	convErr       error
	contactErr    error
	contactCalls  int
}

func newFakeIntercom() *fakeIntercom {
	return &fakeIntercom{
		conversations: map[string]*intercom.Conversation{},
		contacts:      map[string]*intercom.Contact{},
	}
}

func (f *fakeIntercom) GetConversation(_ context.Context, id string) (*intercom.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convErr != nil {
		return nil, f.convErr
	}
	c, ok := f.conversations[id]
	if !ok {
		return nil, &intercom.APIError{Operation: "get conversation", StatusCode: 404}
	}
	cp := *c
	return &cp, nil
}

func (f *fakeIntercom) GetContact(_ context.Context, id string) (*intercom.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactCalls++
	if f.contactErr != nil {
		return nil, f.contactErr
	}
	c, ok := f.contacts[id]
	if !ok {
		return nil, &intercom.APIError{Operation: "get contact", StatusCode: 404}
	}
	cp := *c
	return &cp, nil
}

// conversationWithContact registers a conversation whose first contact is name/email.
func (f *fakeIntercom) conversationWithContact(convID, adminID, name, email string) {
	contactID := "ct_" + convID
	f.contacts[contactID] = &intercom.Contact{ID: contactID, Role: "user", Name: name, Email: email}
	f.conversations[convID] = &intercom.Conversation{
		ID:              convID,
		AdminAssigneeID: intercom.FlexibleID(adminID),
		Contacts:        intercom.ContactRefList{Contacts: []intercom.ContactRef{{Type: "contact", ID: contactID}}},
	}
}

type fakeCRM struct {
	mu            sync.Mutex
	contacts      map[string]*crm.Contact
	opportunities map[string]*crm.Opportunity
	nextID        int

	searchErr     error
	createErr     error // returned once by CreateContact, then cleared
	createOppErr  error // returned once by CreateOpportunity, then cleared
	findErr       error
	searchHides   bool // SearchContactsByEmail returns nothing, to simulate a race
	tagCalls      int
	createCalls   int
	createOpCalls int
	updateCalls   int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{contacts: map[string]*crm.Contact{}, opportunities: map[string]*crm.Opportunity{}}
}

// id hands out the next id not already taken by a seeded record.
func (f *fakeCRM) id(prefix string) string {
	for {
		f.nextID++
		id := fmt.Sprintf("%s%d", prefix, f.nextID)
		_, contact := f.contacts[id]
		_, opp := f.opportunities[id]
		if !contact && !opp {
			return id
		}
	}
}

func (f *fakeCRM) addContact(c crm.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := c
	f.contacts[c.ID] = &cp
}

func (f *fakeCRM) SearchContactsByEmail(_ context.Context, email string) ([]crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if f.searchHides {
		return nil, nil
	}
	var out []crm.Contact
	for _, c := range f.contacts {
		if strings.Contains(strings.ToLower(c.Email), strings.ToLower(email)) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCRM) GetContact(_ context.Context, id string) (*crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return nil, &crm.APIError{Operation: "get contact", StatusCode: 404}
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCRM) CreateContact(_ context.Context, p crm.CreateContactPayload) (*crm.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err := f.createErr; err != nil {
		f.createErr = nil
		return nil, err
	}
	c := &crm.Contact{ID: f.id("c"), LocationID: p.LocationID, Email: p.Email, Name: p.Name, Tags: p.Tags}
	f.contacts[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeCRM) AddContactTags(_ context.Context, id string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagCalls++
	c, ok := f.contacts[id]
	if !ok {
		return &crm.APIError{Operation: "add tags", StatusCode: 404}
	}
	c.Tags = append(c.Tags, tags...)
	return nil
}

func (f *fakeCRM) CreateOpportunity(_ context.Context, p crm.CreateOpportunityPayload) (*crm.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createOpCalls++
	if err := f.createOppErr; err != nil {
		f.createOppErr = nil
		return nil, err
	}
	o := &crm.Opportunity{
		ID:              f.id("o"),
		Name:            p.Name,
		LocationID:      p.LocationID,
		PipelineID:      p.PipelineID,
		PipelineStageID: p.PipelineStageID,
		ContactID:       p.ContactID,
		Status:          p.Status,
		CustomFields:    append([]crm.CustomField(nil), p.CustomFields...),
	}
	f.opportunities[o.ID] = o
	cp := *o
	return &cp, nil
}

func (f *fakeCRM) UpdateOpportunityFields(_ context.Context, id string, fields []crm.CustomField) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	o, ok := f.opportunities[id]
	if !ok {
		return &crm.APIError{Operation: "update opportunity", StatusCode: 404}
	}
	for _, nf := range fields {
		replaced := false
		for i := range o.CustomFields {
			if o.CustomFields[i].ID == nf.ID {
				o.CustomFields[i] = nf
				replaced = true
			}
		}
		if !replaced {
			o.CustomFields = append(o.CustomFields, nf)
		}
	}
	return nil
}

func (f *fakeCRM) FindOpportunityByField(_ context.Context, pipelineID, fieldID, value string) (*crm.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, o := range f.opportunities {
		if o.PipelineID != pipelineID {
			continue
		}
		if v, ok := o.FieldValue(fieldID); ok && v == value {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeCRM) opportunityList() []*crm.Opportunity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*crm.Opportunity, 0, len(f.opportunities))
	for _, o := range f.opportunities {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

type fakeSheets struct {
	mu       sync.Mutex
	cells    map[string][][]any
	appended [][]any
	getErr   error
	putErr   error
	failGets int // number of GetValues calls that fail before succeeding
	gets     int
}

func newFakeSheets() *fakeSheets {
	return &fakeSheets{cells: map[string][][]any{}}
}

func (f *fakeSheets) GetValues(_ context.Context, rng string) ([][]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failGets > 0 {
		f.failGets--
		return nil, fmt.Errorf("sheets unavailable")
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.cells[rng], nil
}

func (f *fakeSheets) UpdateValues(_ context.Context, rng string, values [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	// The API hands values back as strings.
	out := make([][]any, len(values))
	for i, row := range values {
		out[i] = make([]any, len(row))
		for j, v := range row {
			out[i][j] = fmt.Sprint(v)
		}
	}
	f.cells[rng] = out
	return nil
}

func (f *fakeSheets) AppendValues(_ context.Context, _ string, values [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, values...)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (s *recordingSink) Emit(_ context.Context, e LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofType(t string) []LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LifecycleEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// countingAllocator counts calls and delegates to a TicketCounter.
type countingAllocator struct {
	inner NumberAllocator
	calls int
}

func (c *countingAllocator) Next(ctx context.Context) (string, error) {
	c.calls++
	return c.inner.Next(ctx)
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	gdb, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open ledger db: %v", err)
	}
	if err := db.Migrate(gdb, &models.TicketLedgerEntry{}); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	l, err := NewLedger(gdb, time.Minute)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}
