package identity

import (
	"regexp"
	"testing"
)

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://x.tn/a/123?ref=abc#top", "https://x.tn/a/123"},
		{"https://x.tn/a/123", "https://x.tn/a/123"},
		{"https://x.tn/a/123/", "https://x.tn/a/123"},
		{"HTTPS://X.TN/a/123?", "https://x.tn/a/123"},
		{"https://x.tn/", "https://x.tn/"},
		{"  https://x.tn/a/9#frag  ", "https://x.tn/a/9"},
		{"/relative/path?x=1", "/relative/path"},
	}

	for _, tt := range tests {
		if got := CanonicalURL(tt.in); got != tt.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalURLTreatsVariantsAsOne(t *testing.T) {
	a := CanonicalURL("https://x.tn/a/123?ref=abc#top")
	b := CanonicalURL("https://x.tn/a/123")
	if a != b {
		t.Fatalf("variants differ: %q vs %q", a, b)
	}
}

func TestContentIDStable(t *testing.T) {
	a := ContentID("Appartement S+2", "Tunis", "350 000")
	b := ContentID("  appartement s+2 ", "TUNIS", "350 000")
	if a != b {
		t.Fatalf("ContentID not normalized: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("ContentID length = %d, want 16", len(a))
	}
	if a == ContentID("Appartement S+3", "Tunis", "350 000") {
		t.Fatal("different content produced the same id")
	}
}

func TestIDFromURL(t *testing.T) {
	re := regexp.MustCompile(`/a/(\d+)`)
	if got := IDFromURL(re, "https://www.mubawab.tn/fr/a/8123456/appartement?x=1"); got != "8123456" {
		t.Fatalf("IDFromURL = %q", got)
	}
	if got := IDFromURL(re, "https://www.mubawab.tn/fr/sc/search"); got != "" {
		t.Fatalf("IDFromURL on non-matching URL = %q", got)
	}
}
