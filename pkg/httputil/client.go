package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds every upstream round trip.
const DefaultTimeout = 15 * time.Second

// maxLoggedBody caps response bodies copied into logs and errors.
const maxLoggedBody = 512

// NewRestyClient returns a resty client with the shared defaults used by every
// upstream adapter: base URL, JSON headers and a request timeout. Retries are
// left to callers; only the counter allocation retries, with its own policy.
func NewRestyClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetTimeout(DefaultTimeout)
}

// Truncate shortens a response body for logging.
func Truncate(body []byte) string {
	if len(body) <= maxLoggedBody {
		return string(body)
	}
	return string(body[:maxLoggedBody]) + "...(truncated)"
}
