package sender

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
)

// HTTPLinkBuilder produces the per-recipient URLs templates can reference.
// Unsubscribe links are signed locally so the worker never blocks on a
// remote call for them; referral links come from the referral service.
type HTTPLinkBuilder struct {
	unsubscribeBase  string
	unsubscribeKey   []byte
	referralEndpoint string
	client           HTTPClient
	log              zerolog.Logger
}

// NewHTTPLinkBuilder creates a link builder. referralEndpoint may be empty,
// in which case referral resolution always fails and callers fall back to
// an empty link.
func NewHTTPLinkBuilder(unsubscribeBase, unsubscribeSecret, referralEndpoint string, client HTTPClient, log zerolog.Logger) *HTTPLinkBuilder {
	return &HTTPLinkBuilder{
		unsubscribeBase:  unsubscribeBase,
		unsubscribeKey:   []byte(unsubscribeSecret),
		referralEndpoint: referralEndpoint,
		client:           client,
		log:              log,
	}
}

// UnsubscribeURL builds the signed opt-out link for a recipient. The
// signature binds the username and channel so the link cannot be replayed
// to opt out someone else.
func (b *HTTPLinkBuilder) UnsubscribeURL(username, channel string) string {
	mac := hmac.New(sha256.New, b.unsubscribeKey)
	fmt.Fprintf(mac, "%s:%s", username, channel)
	sig := hex.EncodeToString(mac.Sum(nil))

	q := url.Values{}
	q.Set("u", username)
	q.Set("c", channel)
	q.Set("sig", sig)
	return b.unsubscribeBase + "?" + q.Encode()
}

type referralResponse struct {
	URL string `json:"url"`
}

// ReferralURL asks the referral service for the recipient's personal link.
func (b *HTTPLinkBuilder) ReferralURL(ctx context.Context, username, channel string) (string, error) {
	if b.referralEndpoint == "" {
		return "", fmt.Errorf("referral: endpoint not configured")
	}

	q := url.Values{}
	q.Set("username", username)
	q.Set("channel", channel)

	resp, err := b.client.Do(ctx, &HTTPRequest{
		Method: "GET",
		URL:    b.referralEndpoint + "?" + q.Encode(),
	})
	if err != nil {
		return "", fmt.Errorf("referral: request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("referral: HTTP %d", resp.StatusCode)
	}

	var parsed referralResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", fmt.Errorf("referral: decode response: %w", err)
	}
	return parsed.URL, nil
}
