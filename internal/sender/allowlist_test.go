package sender

import "testing"

func TestConfigAllowlist_EmptyAllowsAll(t *testing.T) {
	al := NewConfigAllowlist(nil)
	if !al.IsAllowlisted("anyone@anywhere.com") {
		t.Error("empty allowlist must permit every recipient")
	}
}

func TestConfigAllowlist_ExactAndDomain(t *testing.T) {
	al := NewConfigAllowlist([]string{"qa@example.com", "@corp.example.com", " ", ""})

	tests := []struct {
		email string
		want  bool
	}{
		{"qa@example.com", true},
		{"QA@Example.COM", true}, // case-insensitive
		{"dev@corp.example.com", true},
		{"other@example.com", false},
		{"qa@example.com.evil.com", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := al.IsAllowlisted(tc.email); got != tc.want {
			t.Errorf("IsAllowlisted(%q) = %v, want %v", tc.email, got, tc.want)
		}
	}
}
