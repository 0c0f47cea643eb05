package crm

import (
	"fmt"
	"strings"
)

// Contact represents a contact in the CRM.
type Contact struct {
	ID         string   `json:"id"`
	LocationID string   `json:"locationId"`
	Email      string   `json:"email"`
	Name       string   `json:"name"`
	FirstName  string   `json:"firstName"`
	LastName   string   `json:"lastName"`
	Tags       []string `json:"tags"`
	Source     string   `json:"source"`
}

// DisplayName prefers the full name and falls back to first/last name parts.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// HasTag reports whether the contact carries tag (case-insensitive).
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// CreateContactPayload is used to create a contact.
type CreateContactPayload struct {
	LocationID string   `json:"locationId"`
	Email      string   `json:"email"`
	Name       string   `json:"name,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// contactEnvelope wraps single-contact responses: {"contact": {...}}.
type contactEnvelope struct {
	Contact Contact `json:"contact"`
}

// contactSearchResponse wraps contact searches: {"contacts": [...]}.
type contactSearchResponse struct {
	Contacts []Contact `json:"contacts"`
	Count    int       `json:"count"`
}

// tagsPayload is the body for POST /contacts/:id/tags.
type tagsPayload struct {
	Tags []string `json:"tags"`
}

// CustomField is a custom field value on an opportunity. Writes use
// field_value; reads may come back as fieldValue or fieldValueString depending
// on the endpoint.
type CustomField struct {
	ID               string `json:"id"`
	Key              string `json:"key,omitempty"`
	FieldValue       any    `json:"field_value,omitempty"`
	FieldValueCamel  any    `json:"fieldValue,omitempty"`
	FieldValueString string `json:"fieldValueString,omitempty"`
}

// Value returns whichever representation of the value is populated.
func (f CustomField) Value() string {
	for _, v := range []any{f.FieldValue, f.FieldValueCamel} {
		if v == nil {
			continue
		}
		switch typed := v.(type) {
		case string:
			if typed != "" {
				return typed
			}
		default:
			return fmt.Sprint(typed)
		}
	}
	return f.FieldValueString
}

// NewCustomField builds a write-side custom field.
func NewCustomField(id, value string) CustomField {
	return CustomField{ID: id, FieldValue: value}
}

// Opportunity is a pipeline record; this service uses it as a support ticket.
type Opportunity struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	LocationID      string        `json:"locationId"`
	PipelineID      string        `json:"pipelineId"`
	PipelineStageID string        `json:"pipelineStageId"`
	ContactID       string        `json:"contactId"`
	Status          string        `json:"status"`
	Source          string        `json:"source"`
	CustomFields    []CustomField `json:"customFields"`
	CreatedAt       string        `json:"createdAt"`
	UpdatedAt       string        `json:"updatedAt"`
}

// FieldValue returns the value of the custom field with the given id.
func (o *Opportunity) FieldValue(fieldID string) (string, bool) {
	for _, f := range o.CustomFields {
		if f.ID == fieldID {
			return f.Value(), true
		}
	}
	return "", false
}

// CreateOpportunityPayload is the body for POST /opportunities/.
type CreateOpportunityPayload struct {
	LocationID      string        `json:"locationId"`
	PipelineID      string        `json:"pipelineId"`
	PipelineStageID string        `json:"pipelineStageId"`
	ContactID       string        `json:"contactId"`
	Name            string        `json:"name"`
	Status          string        `json:"status"`
	Source          string        `json:"source,omitempty"`
	CustomFields    []CustomField `json:"customFields"`
}

// UpdateOpportunityPayload is the body for PUT /opportunities/:id.
type UpdateOpportunityPayload struct {
	CustomFields []CustomField `json:"customFields"`
}

// opportunityEnvelope wraps single-opportunity responses.
type opportunityEnvelope struct {
	Opportunity Opportunity `json:"opportunity"`
}

// searchMeta is the pagination block of GET /opportunities/search.
type searchMeta struct {
	Total       int  `json:"total"`
	CurrentPage int  `json:"currentPage"`
	NextPage    *int `json:"nextPage"`
}

// opportunitySearchResponse wraps GET /opportunities/search.
type opportunitySearchResponse struct {
	Opportunities []Opportunity `json:"opportunities"`
	Meta          searchMeta    `json:"meta"`
}

// errorBody is the CRM error shape. meta.contactId is set when a contact create
// collides with an existing contact.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    any    `json:"message"`
	Meta       struct {
		FieldName     string `json:"field_name"`
		ContactID     string `json:"contactId"`
		MatchingField string `json:"matchingField"`
	} `json:"meta"`
}
