package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "token-123", "loc1", 1000)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientSendsAuthAndVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Version"); got != apiVersion {
			t.Errorf("Version = %q", got)
		}
		if r.URL.Path != "/contacts/" || r.URL.Query().Get("locationId") != "loc1" || r.URL.Query().Get("query") != "a@example.com" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"contacts":[{"id":"c1","email":"a@example.com","tags":["intercom"]}],"count":1}`)
	})

	got, err := c.SearchContactsByEmail(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("SearchContactsByEmail: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c1" || !got[0].HasTag("Intercom") {
		t.Fatalf("contacts = %+v", got)
	}
}

func TestCreateContactScopesToLocation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var p CreateContactPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.Method != http.MethodPost || p.LocationID != "loc1" || p.Email != "a@example.com" || len(p.Tags) != 1 {
			t.Errorf("payload = %+v", p)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"contact":{"id":"c2","email":"a@example.com"}}`)
	})

	got, err := c.CreateContact(context.Background(), CreateContactPayload{Email: "a@example.com", Tags: []string{"intercom"}})
	if err != nil || got.ID != "c2" {
		t.Fatalf("CreateContact = %+v, %v", got, err)
	}
}

func TestCreateContactDuplicateError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"statusCode":400,"message":"This location does not allow duplicated contacts.","meta":{"field_name":"email","contactId":"dup1","matchingField":"email"}}`)
	})

	_, err := c.CreateContact(context.Background(), CreateContactPayload{Email: "a@example.com"})
	id, ok := DuplicateContactID(err)
	if !ok || id != "dup1" {
		t.Fatalf("DuplicateContactID = %q, %v (err %v)", id, ok, err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 || apiErr.Operation != "CreateContact" {
		t.Fatalf("err = %#v", err)
	}
}

func TestDuplicateContactIDRejectsOtherErrors(t *testing.T) {
	cases := []error{
		errors.New("plain"),
		&APIError{StatusCode: 500, Body: `{"meta":{"contactId":"x"}}`},
		&APIError{StatusCode: 400, Body: `{"message":"bad email"}`},
		&APIError{StatusCode: 400, Body: `not json`},
	}
	for _, err := range cases {
		if id, ok := DuplicateContactID(err); ok {
			t.Errorf("DuplicateContactID(%v) = %q, true", err, id)
		}
	}
}

func TestAddContactTags(t *testing.T) {
	var gotTags []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contacts/c1/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body tagsPayload
		json.NewDecoder(r.Body).Decode(&body)
		gotTags = body.Tags
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"tags":["intercom"]}`)
	})
	if err := c.AddContactTags(context.Background(), "c1", []string{"intercom"}); err != nil {
		t.Fatalf("AddContactTags: %v", err)
	}
	if len(gotTags) != 1 || gotTags[0] != "intercom" {
		t.Fatalf("tags = %v", gotTags)
	}
}

func TestUpdateOpportunityFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/opportunities/o1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body UpdateOpportunityPayload
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.CustomFields) != 2 || body.CustomFields[0].Value() != "Chloe" {
			t.Errorf("fields = %+v", body.CustomFields)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"opportunity":{"id":"o1"}}`)
	})
	err := c.UpdateOpportunityFields(context.Background(), "o1", []CustomField{
		NewCustomField("owner", "Chloe"),
		NewCustomField("owner_mirror", "Chloe"),
	})
	if err != nil {
		t.Fatalf("UpdateOpportunityFields: %v", err)
	}
}

func opportunityPage(start, n int, match map[int]string) []Opportunity {
	out := make([]Opportunity, 0, n)
	for i := start; i < start+n; i++ {
		conv := "conv-" + strconv.Itoa(i)
		if v, ok := match[i]; ok {
			conv = v
		}
		out = append(out, Opportunity{
			ID:           "o" + strconv.Itoa(i),
			CustomFields: []CustomField{NewCustomField("conv_field", conv)},
		})
	}
	return out
}

func TestFindOpportunityByFieldPagesThroughPipeline(t *testing.T) {
	pages := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		pages++
		q := r.URL.Query()
		if q.Get("pipeline_id") != "pipe1" || q.Get("location_id") != "loc1" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		page, _ := strconv.Atoi(q.Get("page"))
		var resp opportunitySearchResponse
		switch page {
		case 1:
			next := 2
			resp.Opportunities = opportunityPage(0, searchPageSize, nil)
			resp.Meta.NextPage = &next
		case 2:
			resp.Opportunities = opportunityPage(searchPageSize, 3, map[int]string{searchPageSize + 1: "C42"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	got, err := c.FindOpportunityByField(context.Background(), "pipe1", "conv_field", "C42")
	if err != nil {
		t.Fatalf("FindOpportunityByField: %v", err)
	}
	if got == nil || got.ID != "o101" {
		t.Fatalf("got %+v, want o101", got)
	}
	if pages != 2 {
		t.Fatalf("pages fetched = %d, want 2", pages)
	}
}

func TestFindOpportunityByFieldNoMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(opportunitySearchResponse{Opportunities: opportunityPage(0, 5, nil)})
	})
	got, err := c.FindOpportunityByField(context.Background(), "pipe1", "conv_field", "missing")
	if err != nil || got != nil {
		t.Fatalf("got %+v, %v; want nil, nil", got, err)
	}
}

func TestFindOpportunityByFieldError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"invalid token"}`)
	})
	_, err := c.FindOpportunityByField(context.Background(), "pipe1", "conv_field", "C1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
}

func TestCustomFieldValueShapes(t *testing.T) {
	var fields []CustomField
	raw := `[{"id":"a","fieldValue":"x"},{"id":"b","fieldValueString":"y"},{"id":"c","fieldValue":7}]`
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"x", "y", "7"}
	for i, f := range fields {
		if got := f.Value(); got != want[i] {
			t.Errorf("field %s value = %q, want %q", f.ID, got, want[i])
		}
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient("", "t", "l", 1); err == nil {
		t.Error("empty baseURL accepted")
	}
	if _, err := NewClient("http://x", "", "l", 1); err == nil {
		t.Error("empty token accepted")
	}
	if _, err := NewClient("http://x", "t", "", 1); err == nil {
		t.Error("empty location accepted")
	}
}
