package storage

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPayloadNormalize(t *testing.T) {
	t.Run("title from subject", func(t *testing.T) {
		p := Payload{Subject: "Hello", BodyText: "text"}
		p.Normalize()
		if p.Title != "Hello" {
			t.Errorf("Title = %q, want %q", p.Title, "Hello")
		}
		if p.Body != "text" {
			t.Errorf("Body = %q, want %q", p.Body, "text")
		}
	})

	t.Run("subject from title", func(t *testing.T) {
		p := Payload{Title: "Ping", Body: "short"}
		p.Normalize()
		if p.Subject != "Ping" {
			t.Errorf("Subject = %q, want %q", p.Subject, "Ping")
		}
		if p.BodyText != "short" {
			t.Errorf("BodyText = %q, want %q", p.BodyText, "short")
		}
	})

	t.Run("html preferred for body", func(t *testing.T) {
		p := Payload{BodyHTML: "<b>hi</b>", BodyText: "hi"}
		p.Normalize()
		if p.Body != "<b>hi</b>" {
			t.Errorf("Body = %q, want html variant", p.Body)
		}
	})
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 800); got != "short" {
		t.Errorf("truncate left short string as %q", got)
	}

	long := strings.Repeat("x", 1000)
	if got := truncate(long, maxErrorLen); len(got) != maxErrorLen {
		t.Errorf("truncated length = %d, want %d", len(got), maxErrorLen)
	}

	// A multi-byte rune straddling the cut must be dropped whole.
	s := strings.Repeat("x", maxErrorLen-1) + "é"
	got := truncate(s, maxErrorLen)
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) != maxErrorLen-1 {
		t.Errorf("truncated length = %d, want %d", len(got), maxErrorLen-1)
	}
}
