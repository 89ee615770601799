package sender

import "strings"

// ConfigAllowlist restricts outbound email to configured recipients. An
// entry starting with "@" matches every address on that domain; any other
// entry matches one address exactly. Matching is case-insensitive. An
// empty allowlist permits all recipients, which is the production setting.
type ConfigAllowlist struct {
	exact   map[string]struct{}
	domains []string
}

// NewConfigAllowlist builds an allowlist from the configured entries.
func NewConfigAllowlist(entries []string) *ConfigAllowlist {
	al := &ConfigAllowlist{exact: make(map[string]struct{})}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "@") {
			al.domains = append(al.domains, e)
			continue
		}
		al.exact[e] = struct{}{}
	}
	return al
}

// IsAllowlisted reports whether the address may receive email.
func (al *ConfigAllowlist) IsAllowlisted(email string) bool {
	if len(al.exact) == 0 && len(al.domains) == 0 {
		return true
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if _, ok := al.exact[email]; ok {
		return true
	}
	for _, d := range al.domains {
		if strings.HasSuffix(email, d) {
			return true
		}
	}
	return false
}
