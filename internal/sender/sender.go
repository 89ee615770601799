// Package sender holds the delivery-side collaborators of the dispatch
// worker: the channel providers that put messages on the wire, the
// recipient allowlist policy, link builders, and the customer-profile
// lookup. The worker depends only on the interfaces; the HTTP
// implementations here talk to the platform's relay services.
package sender

import "context"

// SendResult is the provider-reported outcome of one delivery attempt.
type SendResult struct {
	OK         bool
	HTTPStatus int
	ErrorText  string
}

// EmailSender delivers a rendered email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, html, text, from string) (*SendResult, error)
}

// SMSSender delivers a rendered SMS text.
type SMSSender interface {
	SendSMS(ctx context.Context, to, text string) (*SendResult, error)
}

// PushSender delivers a push notification to a set of device tokens.
type PushSender interface {
	SendPush(ctx context.Context, tokens []string, title, body string, metadata map[string]string) (*SendResult, error)
}

// Allowlist is the external recipient policy for email. A rejected
// recipient is an eligibility skip, not a delivery failure.
type Allowlist interface {
	IsAllowlisted(email string) bool
}

// LinkBuilder produces per-recipient URLs referenced by templates.
type LinkBuilder interface {
	// UnsubscribeURL never fails; it is derived locally.
	UnsubscribeURL(username, channel string) string
	// ReferralURL may fail; callers degrade to an empty string.
	ReferralURL(ctx context.Context, username, channel string) (string, error)
}

// ProfileLookup resolves a user's display name from the customer-profile
// source. Best effort: failures degrade to an empty string.
type ProfileLookup interface {
	DisplayName(ctx context.Context, username string) string
}
