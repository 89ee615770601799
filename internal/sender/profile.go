package sender

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/rs/zerolog"
)

// HTTPProfileLookup resolves display names from the customer-profile
// service. Lookups are best effort; a failure is logged and surfaces as an
// empty name so the caller can fall back to the username.
type HTTPProfileLookup struct {
	endpoint string
	client   HTTPClient
	log      zerolog.Logger
}

// NewHTTPProfileLookup creates a profile lookup against the given endpoint.
func NewHTTPProfileLookup(endpoint string, client HTTPClient, log zerolog.Logger) *HTTPProfileLookup {
	return &HTTPProfileLookup{endpoint: endpoint, client: client, log: log}
}

type profileResponse struct {
	DisplayName string `json:"display_name"`
}

// DisplayName returns the user's display name, or "" when unavailable.
func (p *HTTPProfileLookup) DisplayName(ctx context.Context, username string) string {
	if p.endpoint == "" {
		return ""
	}

	q := url.Values{}
	q.Set("username", username)

	resp, err := p.client.Do(ctx, &HTTPRequest{
		Method: "GET",
		URL:    p.endpoint + "?" + q.Encode(),
	})
	if err != nil {
		p.log.Warn().Err(err).Str("username", username).Msg("Profile lookup failed")
		return ""
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.log.Warn().Int("status", resp.StatusCode).Str("username", username).Msg("Profile lookup returned non-success")
		return ""
	}

	var parsed profileResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		p.log.Warn().Err(err).Str("username", username).Msg("Profile lookup returned malformed body")
		return ""
	}
	return parsed.DisplayName
}
