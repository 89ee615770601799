package sender

import (
	"context"
	"encoding/json"
	"fmt"
)

// RelayEmailSender delivers email through the platform's HTTP mail relay.
type RelayEmailSender struct {
	endpoint string
	apiKey   string
	client   HTTPClient
}

// NewRelayEmailSender creates an email sender against the given relay.
func NewRelayEmailSender(endpoint, apiKey string, client HTTPClient) *RelayEmailSender {
	return &RelayEmailSender{endpoint: endpoint, apiKey: apiKey, client: client}
}

type relayEmailPayload struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text"`
}

// SendEmail posts the message to the relay's send endpoint.
func (s *RelayEmailSender) SendEmail(ctx context.Context, to, subject, html, text, from string) (*SendResult, error) {
	body, err := json.Marshal(relayEmailPayload{
		To:      to,
		From:    from,
		Subject: subject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		return nil, fmt.Errorf("email relay: marshal request: %w", err)
	}

	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: "POST",
		URL:    s.endpoint + "/v1/mail/send",
		Headers: map[string]string{
			"Authorization": "Bearer " + s.apiKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, fmt.Errorf("email relay: send request: %w", err)
	}

	return classify(resp), nil
}

// classify turns an HTTP response into a SendResult: 2xx is success,
// anything else carries the status and response body as the error text.
func classify(resp *HTTPResponse) *SendResult {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &SendResult{OK: true, HTTPStatus: resp.StatusCode}
	}
	return &SendResult{
		OK:         false,
		HTTPStatus: resp.StatusCode,
		ErrorText:  fmt.Sprintf("HTTP %d %s", resp.StatusCode, resp.Body),
	}
}
