package sheets

import (
	"context"
	"fmt"

	"ticketsync/pkg/httputil"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// APIError is returned when the Sheets API answers with a non-2xx status.
type APIError struct {
	Operation  string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Sheets API %s error: status %d, url %s, body: %s", e.Operation, e.StatusCode, e.URL, e.Body)
}

// Client reads and writes value ranges of one spreadsheet.
type Client struct {
	httpClient    *resty.Client
	tokens        TokenSource
	spreadsheetID string
}

// NewClient creates a new Sheets client for spreadsheetID.
func NewClient(baseURL, spreadsheetID string, tokens TokenSource) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("Sheets baseURL cannot be empty")
	}
	if spreadsheetID == "" {
		return nil, fmt.Errorf("Sheets spreadsheetID cannot be empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("Sheets token source cannot be nil")
	}

	log.Info().Str("baseURL", baseURL).Str("spreadsheetID", spreadsheetID).Msg("Sheets client configured")

	return &Client{
		httpClient:    httputil.NewRestyClient(baseURL),
		tokens:        tokens,
		spreadsheetID: spreadsheetID,
	}, nil
}

func (c *Client) request(ctx context.Context, a1Range string) (*resty.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("Sheets auth: %w", err)
	}
	return c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("spreadsheetId", c.spreadsheetID).
		SetPathParam("range", a1Range), nil
}

// GetValues reads a range. An empty range yields an empty slice.
func (c *Client) GetValues(ctx context.Context, a1Range string) ([][]any, error) {
	req, err := c.request(ctx, a1Range)
	if err != nil {
		return nil, err
	}

	var result ValueRange
	resp, err := req.
		SetResult(&result).
		Get("/v4/spreadsheets/{spreadsheetId}/values/{range}")
	if err != nil {
		log.Error().Err(err).Str("range", a1Range).Msg("Sheets API: GetValues request failed")
		return nil, fmt.Errorf("Sheets API GetValues request failed: %w", err)
	}
	if resp.IsError() {
		return nil, c.apiError("GetValues", resp)
	}
	return result.Values, nil
}

// UpdateValues overwrites a range using RAW input (no formula interpretation).
func (c *Client) UpdateValues(ctx context.Context, a1Range string, values [][]any) error {
	req, err := c.request(ctx, a1Range)
	if err != nil {
		return err
	}

	resp, err := req.
		SetQueryParam("valueInputOption", "RAW").
		SetBody(ValueRange{Range: a1Range, MajorDimension: "ROWS", Values: values}).
		Put("/v4/spreadsheets/{spreadsheetId}/values/{range}")
	if err != nil {
		log.Error().Err(err).Str("range", a1Range).Msg("Sheets API: UpdateValues request failed")
		return fmt.Errorf("Sheets API UpdateValues request failed: %w", err)
	}
	if resp.IsError() {
		return c.apiError("UpdateValues", resp)
	}
	return nil
}

// AppendValues appends rows after the last row of a table range.
func (c *Client) AppendValues(ctx context.Context, a1Range string, values [][]any) error {
	req, err := c.request(ctx, a1Range)
	if err != nil {
		return err
	}

	var result appendResponse
	resp, err := req.
		SetQueryParam("valueInputOption", "RAW").
		SetQueryParam("insertDataOption", "INSERT_ROWS").
		SetBody(ValueRange{MajorDimension: "ROWS", Values: values}).
		SetResult(&result).
		Post("/v4/spreadsheets/{spreadsheetId}/values/{range}:append")
	if err != nil {
		log.Error().Err(err).Str("range", a1Range).Msg("Sheets API: AppendValues request failed")
		return fmt.Errorf("Sheets API AppendValues request failed: %w", err)
	}
	if resp.IsError() {
		return c.apiError("AppendValues", resp)
	}

	log.Debug().Str("updatedRange", result.Updates.UpdatedRange).Int("updatedRows", result.Updates.UpdatedRows).Msg("Appended rows to sheet")
	return nil
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
		Msgf("Sheets API: %s returned an error", operation)
	return apiErr
}
