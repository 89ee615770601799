package sender

import (
	"context"
	"encoding/json"
	"fmt"
)

// GatewaySMSSender delivers SMS through the platform's HTTP SMS gateway.
type GatewaySMSSender struct {
	endpoint string
	apiKey   string
	senderID string
	client   HTTPClient
}

// NewGatewaySMSSender creates an SMS sender against the given gateway.
func NewGatewaySMSSender(endpoint, apiKey, senderID string, client HTTPClient) *GatewaySMSSender {
	return &GatewaySMSSender{endpoint: endpoint, apiKey: apiKey, senderID: senderID, client: client}
}

type gatewaySMSPayload struct {
	To     string `json:"to"`
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

// SendSMS posts the message to the gateway's send endpoint. The recipient
// must be a normalized digits-only MSISDN.
func (s *GatewaySMSSender) SendSMS(ctx context.Context, to, text string) (*SendResult, error) {
	body, err := json.Marshal(gatewaySMSPayload{To: to, Text: text, Sender: s.senderID})
	if err != nil {
		return nil, fmt.Errorf("sms gateway: marshal request: %w", err)
	}

	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: "POST",
		URL:    s.endpoint + "/v1/sms/send",
		Headers: map[string]string{
			"Authorization": "Bearer " + s.apiKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, fmt.Errorf("sms gateway: send request: %w", err)
	}

	return classify(resp), nil
}
