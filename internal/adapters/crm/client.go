package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ticketsync/pkg/httputil"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	apiVersion     = "2021-07-28"
	searchPageSize = 100
	maxSearchPages = 500
)

// APIError is returned when the CRM answers with a non-2xx status.
type APIError struct {
	Operation  string
	URL        string
	StatusCode int
	Body       string
	raw        []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("CRM API %s error: status %d, url %s, body: %s", e.Operation, e.StatusCode, e.URL, e.Body)
}

// DuplicateContactID extracts the existing contact id from a "contact already
// exists" error. ok is false for any other error.
func DuplicateContactID(err error) (string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	if apiErr.StatusCode != 400 && apiErr.StatusCode != 409 && apiErr.StatusCode != 422 {
		return "", false
	}
	raw := apiErr.raw
	if len(raw) == 0 {
		raw = []byte(apiErr.Body)
	}
	var body errorBody
	if jsonErr := json.Unmarshal(raw, &body); jsonErr != nil {
		return "", false
	}
	if body.Meta.ContactID == "" {
		return "", false
	}
	return body.Meta.ContactID, true
}

// Client struct holds the configuration for the CRM client.
type Client struct {
	httpClient *resty.Client
	limiter    *rate.Limiter
	baseURL    string
	locationID string
}

// NewClient creates a new CRM client scoped to one location. ratePerSecond
// throttles outbound calls; pipeline scans page through every opportunity.
func NewClient(baseURL, accessToken, locationID string, ratePerSecond float64) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("CRM baseURL cannot be empty")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("CRM accessToken cannot be empty")
	}
	if locationID == "" {
		return nil, fmt.Errorf("CRM locationID cannot be empty")
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 8
	}

	client := httputil.NewRestyClient(baseURL).
		SetAuthToken(accessToken).
		SetHeader("Version", apiVersion)

	log.Info().Str("baseURL", baseURL).Str("locationID", locationID).Float64("ratePerSecond", ratePerSecond).Msg("CRM client configured")

	return &Client{
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		baseURL:    baseURL,
		locationID: locationID,
	}, nil
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("CRM rate limiter: %w", err)
	}
	return c.httpClient.R().SetContext(ctx), nil
}

// SearchContactsByEmail searches contacts by email. The search backend matches
// loosely, so callers still need to compare emails exactly.
func (c *Client) SearchContactsByEmail(ctx context.Context, email string) ([]Contact, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var result contactSearchResponse
	resp, err := req.
		SetQueryParam("locationId", c.locationID).
		SetQueryParam("query", email).
		SetResult(&result).
		Get("/contacts/")
	if err != nil {
		log.Error().Err(err).Str("email", email).Msg("CRM API: SearchContactsByEmail request failed")
		return nil, fmt.Errorf("CRM API SearchContactsByEmail request failed: %w", err)
	}
	if resp.IsError() {
		return nil, c.apiError("SearchContactsByEmail", resp)
	}

	log.Debug().Str("email", email).Int("resultCount", len(result.Contacts)).Msg("CRM contact search completed")
	return result.Contacts, nil
}

// GetContact fetches one contact by id.
func (c *Client) GetContact(ctx context.Context, contactID string) (*Contact, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var result contactEnvelope
	resp, err := req.
		SetPathParam("id", contactID).
		SetResult(&result).
		Get("/contacts/{id}")
	if err != nil {
		log.Error().Err(err).Str("contactID", contactID).Msg("CRM API: GetContact request failed")
		return nil, fmt.Errorf("CRM API GetContact request failed: %w", err)
	}
	if resp.IsError() {
		return nil, c.apiError("GetContact", resp)
	}
	return &result.Contact, nil
}

// CreateContact creates a new contact in the configured location.
func (c *Client) CreateContact(ctx context.Context, payload CreateContactPayload) (*Contact, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	payload.LocationID = c.locationID

	var result contactEnvelope
	resp, err := req.
		SetBody(payload).
		SetResult(&result).
		Post("/contacts/")
	if err != nil {
		log.Error().Err(err).Str("email", payload.Email).Msg("CRM API: CreateContact request failed")
		return nil, fmt.Errorf("CRM API CreateContact request failed: %w", err)
	}
	if resp.IsError() {
		return nil, c.apiError("CreateContact", resp)
	}

	log.Info().Str("contactID", result.Contact.ID).Str("email", payload.Email).Msg("Successfully created CRM contact")
	return &result.Contact, nil
}

// AddContactTags appends tags to a contact.
func (c *Client) AddContactTags(ctx context.Context, contactID string, tags []string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetPathParam("id", contactID).
		SetBody(tagsPayload{Tags: tags}).
		Post("/contacts/{id}/tags")
	if err != nil {
		log.Error().Err(err).Str("contactID", contactID).Msg("CRM API: AddContactTags request failed")
		return fmt.Errorf("CRM API AddContactTags request failed: %w", err)
	}
	if resp.IsError() {
		return c.apiError("AddContactTags", resp)
	}

	log.Info().Str("contactID", contactID).Strs("tags", tags).Msg("Added tags to CRM contact")
	return nil
}

// CreateOpportunity creates a pipeline record.
func (c *Client) CreateOpportunity(ctx context.Context, payload CreateOpportunityPayload) (*Opportunity, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	payload.LocationID = c.locationID

	var result opportunityEnvelope
	resp, err := req.
		SetBody(payload).
		SetResult(&result).
		Post("/opportunities/")
	if err != nil {
		log.Error().Err(err).Str("name", payload.Name).Msg("CRM API: CreateOpportunity request failed")
		return nil, fmt.Errorf("CRM API CreateOpportunity request failed: %w", err)
	}
	if resp.IsError() {
		return nil, c.apiError("CreateOpportunity", resp)
	}

	log.Info().Str("opportunityID", result.Opportunity.ID).Str("name", payload.Name).Msg("Successfully created CRM opportunity")
	return &result.Opportunity, nil
}

// UpdateOpportunityFields overwrites the given custom fields on one opportunity.
func (c *Client) UpdateOpportunityFields(ctx context.Context, opportunityID string, fields []CustomField) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetPathParam("id", opportunityID).
		SetBody(UpdateOpportunityPayload{CustomFields: fields}).
		Put("/opportunities/{id}")
	if err != nil {
		log.Error().Err(err).Str("opportunityID", opportunityID).Msg("CRM API: UpdateOpportunityFields request failed")
		return fmt.Errorf("CRM API UpdateOpportunityFields request failed: %w", err)
	}
	if resp.IsError() {
		return c.apiError("UpdateOpportunityFields", resp)
	}
	return nil
}

// FindOpportunityByField scans every opportunity in a pipeline and returns the
// first whose custom field fieldID equals value. There is no indexed lookup for
// custom fields, so this pages through the whole pipeline. Returns nil, nil when
// nothing matches.
func (c *Client) FindOpportunityByField(ctx context.Context, pipelineID, fieldID, value string) (*Opportunity, error) {
	for page := 1; page <= maxSearchPages; page++ {
		req, err := c.request(ctx)
		if err != nil {
			return nil, err
		}

		var result opportunitySearchResponse
		resp, err := req.
			SetQueryParam("location_id", c.locationID).
			SetQueryParam("pipeline_id", pipelineID).
			SetQueryParam("limit", fmt.Sprint(searchPageSize)).
			SetQueryParam("page", fmt.Sprint(page)).
			SetResult(&result).
			Get("/opportunities/search")
		if err != nil {
			log.Error().Err(err).Str("pipelineID", pipelineID).Int("page", page).Msg("CRM API: opportunity search request failed")
			return nil, fmt.Errorf("CRM API SearchOpportunities request failed: %w", err)
		}
		if resp.IsError() {
			return nil, c.apiError("SearchOpportunities", resp)
		}

		for i := range result.Opportunities {
			opp := result.Opportunities[i]
			if v, ok := opp.FieldValue(fieldID); ok && strings.TrimSpace(v) == value {
				log.Debug().Str("opportunityID", opp.ID).Int("page", page).Msg("Found opportunity by custom field")
				return &opp, nil
			}
		}

		if len(result.Opportunities) < searchPageSize || result.Meta.NextPage == nil {
			return nil, nil
		}
	}

	log.Warn().Str("pipelineID", pipelineID).Int("maxPages", maxSearchPages).Msg("Opportunity scan stopped at page limit")
	return nil, nil
}

func (c *Client) apiError(operation string, resp *resty.Response) error {
	apiErr := &APIError{
		Operation:  operation,
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode(),
		Body:       httputil.Truncate(resp.Body()),
		raw:        resp.Body(),
	}
	log.Error().
		Str("url", apiErr.URL).
		Int("statusCode", apiErr.StatusCode).
		Str("responseBody", apiErr.Body).
		Msgf("CRM API: %s returned an error", operation)
	return apiErr
}
