package sender

import (
	"context"
	"encoding/json"
	"fmt"
)

// HTTPPushSender delivers push notifications through the platform's
// push relay.
type HTTPPushSender struct {
	endpoint string
	apiKey   string
	client   HTTPClient
}

// NewHTTPPushSender creates a push sender against the given relay.
func NewHTTPPushSender(endpoint, apiKey string, client HTTPClient) *HTTPPushSender {
	return &HTTPPushSender{endpoint: endpoint, apiKey: apiKey, client: client}
}

type pushPayload struct {
	Tokens   []string          `json:"tokens"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SendPush posts the notification for all the user's device tokens in one
// call; the relay fans out to the individual devices.
func (s *HTTPPushSender) SendPush(ctx context.Context, tokens []string, title, body string, metadata map[string]string) (*SendResult, error) {
	payload, err := json.Marshal(pushPayload{Tokens: tokens, Title: title, Body: body, Metadata: metadata})
	if err != nil {
		return nil, fmt.Errorf("push relay: marshal request: %w", err)
	}

	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: "POST",
		URL:    s.endpoint + "/v1/push/send",
		Headers: map[string]string{
			"Authorization": "Bearer " + s.apiKey,
			"Content-Type":  "application/json",
		},
		Body: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("push relay: send request: %w", err)
	}

	return classify(resp), nil
}
