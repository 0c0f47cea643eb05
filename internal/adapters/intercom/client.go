package intercom

import (
	"context"
	"fmt"

	"ticketsync/pkg/httputil"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// apiVersion pins the Intercom REST API version sent with every request.
const apiVersion = "2.11"

// APIError is returned when Intercom answers with a non-2xx status.
type APIError struct {
	Operation  string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Intercom API %s error: status %d, url %s, body: %s", e.Operation, e.StatusCode, e.URL, e.Body)
}

// Client struct holds the configuration for the Intercom client.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a new Intercom client.
func NewClient(baseURL, accessToken string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("Intercom baseURL cannot be empty")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("Intercom accessToken cannot be empty")
	}

	client := httputil.NewRestyClient(baseURL).
		SetAuthToken(accessToken).
		SetHeader("Intercom-Version", apiVersion)

	log.Info().Str("baseURL", baseURL).Msg("Intercom client configured")

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
	}, nil
}

// GetConversation fetches the full, current snapshot of a conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation ID cannot be empty")
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		SetResult(&Conversation{}).
		Get("/conversations/{id}")
	if err != nil {
		log.Error().Err(err).Str("conversationID", conversationID).Msg("Intercom API: GetConversation request failed")
		return nil, fmt.Errorf("Intercom API GetConversation request failed: %w", err)
	}
	if resp.IsError() {
		return nil, c.apiError("GetConversation", resp)
	}

	conversation := resp.Result().(*Conversation)
	log.Debug().Str("conversationID", conversation.ID).Str("adminAssigneeID", conversation.AdminAssigneeID.String()).Msg("Fetched Intercom conversation")
	return conversation, nil
}

// GetContact fetches a full contact record.
func (c *Client) GetContact(ctx context.Context, contactID string) (*Contact, error) {
	if contactID == "" {
		return nil, fmt.Errorf("contact ID cannot be empty")
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("id", contactID).
		SetResult(&Contact{}).
		Get("/contacts/{id}")
	if err != nil {
		log.Error().Err(err).Str("contactID", contactID).Msg("Intercom API: GetContact request failed")
		return nil, fmt.Errorf("Intercom API GetContact request failed: %w", err)
	}
	if resp.IsError() {
		return nil, c.apiError("GetContact", resp)
	}

	return resp.Result().(*Contact), nil
}

func (c *Client) apiError(operation string, resp *resty.Response) error {
	apiErr := &APIError{
		Operation:  operation,
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode(),
		Body:       httputil.Truncate(resp.Body()),
	}
	log.Error().
		Str("url", apiErr.URL).
		Int("statusCode", apiErr.StatusCode).
		Str("responseBody", apiErr.Body).
		Msgf("Intercom API: %s returned an error", operation)
	return apiErr
}
