// Package template substitutes the closed set of campaign placeholders
// into message content. The variable set is explicit and enumerable so
// unknown placeholders are detectable instead of silently passing through.
package template

import (
	"regexp"
	"strings"
)

// Recognized placeholders.
const (
	VarUsername       = "{{username}}"
	VarDisplayName    = "{{nome}}"
	VarPromoCode      = "{{promo_code}}"
	VarRefURL         = "{{ref_url}}"
	VarUnsubscribeURL = "{{unsubscribe_url}}"
)

var knownVars = map[string]struct{}{
	VarUsername:       {},
	VarDisplayName:    {},
	VarPromoCode:      {},
	VarRefURL:         {},
	VarUnsubscribeURL: {},
}

var placeholderRe = regexp.MustCompile(`\{\{[a-zA-Z0-9_]+\}\}`)

// Vars holds the resolved values for one recipient. Unresolved values stay
// empty strings; rendering never fails.
type Vars struct {
	Username       string
	DisplayName    string
	PromoCode      string
	RefURL         string
	UnsubscribeURL string
}

// Render substitutes every recognized placeholder in s.
func Render(s string, v Vars) string {
	r := strings.NewReplacer(
		VarUsername, v.Username,
		VarDisplayName, v.DisplayName,
		VarPromoCode, v.PromoCode,
		VarRefURL, v.RefURL,
		VarUnsubscribeURL, v.UnsubscribeURL,
	)
	return r.Replace(s)
}

// References reports whether any of the texts contains the placeholder.
// The planner and worker use this to skip resolution work (promotion
// allocation, profile lookups, referral-link calls) the content never uses.
func References(placeholder string, texts ...string) bool {
	for _, t := range texts {
		if strings.Contains(t, placeholder) {
			return true
		}
	}
	return false
}

// UnknownPlaceholders returns placeholder-shaped tokens in the texts that
// are not part of the recognized set, deduplicated in first-seen order.
func UnknownPlaceholders(texts ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range texts {
		for _, m := range placeholderRe.FindAllString(t, -1) {
			if _, known := knownVars[m]; known {
				continue
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// CleanSubject collapses repeated "|" separators and trims stray
// separator characters from the ends of an email subject.
var multiPipeRe = regexp.MustCompile(`\s*\|{2,}\s*`)

func CleanSubject(s string) string {
	s = multiPipeRe.ReplaceAllString(s, " | ")
	return strings.Trim(s, " \t|-")
}
