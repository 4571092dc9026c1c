package models

import (
	"errors"
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestValidateRequiresLocation(t *testing.T) {
	tests := []struct {
		name    string
		listing Listing
		want    error
	}{
		{"city", Listing{Source: "s", SourceListingID: "1", Title: "t", City: "Tunis"}, nil},
		{"governorate", Listing{Source: "s", SourceListingID: "1", Title: "t", Governorate: "Ariana"}, nil},
		{"address", Listing{Source: "s", SourceListingID: "1", Title: "t", Address: "Rue 1"}, nil},
		{"lat only", Listing{Source: "s", SourceListingID: "1", Title: "t", Lat: floatPtr(36.8)}, nil},
		{"lon only", Listing{Source: "s", SourceListingID: "1", Title: "t", Lon: floatPtr(10.1)}, nil},
		{"zone is not enough", Listing{Source: "s", SourceListingID: "1", Title: "t", Zone: "Lac 2"}, ErrNoLocation},
		{"blank city", Listing{Source: "s", SourceListingID: "1", Title: "t", City: "   "}, ErrNoLocation},
		{"no title", Listing{Source: "s", SourceListingID: "1", City: "Tunis"}, ErrMissingTitle},
		{"no id", Listing{Source: "s", Title: "t", City: "Tunis"}, ErrMissingIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.listing.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIdentityKeyRoundTrip(t *testing.T) {
	l := Listing{Source: "mubawab", SourceListingID: "123"}
	if l.Key() != "mubawab:123" {
		t.Fatalf("Key() = %q", l.Key())
	}
	src, id, ok := SplitIdentityKey(l.Key())
	if !ok || src != "mubawab" || id != "123" {
		t.Fatalf("SplitIdentityKey = %q %q %v", src, id, ok)
	}
}

func TestQualityScore(t *testing.T) {
	empty := Listing{}
	if got := empty.QualityScore(); got != 0 {
		t.Fatalf("empty listing score = %v, want 0", got)
	}

	posted := time.Now()
	full := Listing{
		Title:        "S+2 Lac 2",
		Price:        floatPtr(350000),
		City:         "Tunis",
		PropertyType: "appartement",
		SurfaceM2:    floatPtr(120),
		Rooms:        intPtr(3),
		URL:          "https://x.tn/a/1",
		ImageURLs:    []string{"https://x.tn/ad/1.jpg"},
		PostedAt:     &posted,
	}
	if got := full.QualityScore(); got != 100 {
		t.Fatalf("full listing score = %v, want 100", got)
	}

	partial := Listing{Title: "t", City: "Tunis", URL: "u"}
	if got := partial.QualityScore(); got != 40 {
		t.Fatalf("partial listing score = %v, want 40", got)
	}
}

func TestErrorRate(t *testing.T) {
	m := NewRunMetrics()
	if m.ErrorRate() != 0 {
		t.Fatalf("fresh metrics error rate = %v", m.ErrorRate())
	}
	if m.DataQualityScore != 100 {
		t.Fatalf("fresh metrics quality = %v, want 100", m.DataQualityScore)
	}
	m.SuccessfulScrapes = 3
	m.FailedScrapes = 1
	if m.ErrorRate() != 0.25 {
		t.Fatalf("error rate = %v, want 0.25", m.ErrorRate())
	}
}

func TestSeenSetAdd(t *testing.T) {
	s := NewSeenSet("a:1")
	if s.Add("a:1") {
		t.Fatal("Add of existing key reported new")
	}
	if !s.Add("a:2") {
		t.Fatal("Add of new key reported existing")
	}
	if keys := s.Keys(); len(keys) != 2 || keys[0] != "a:1" || keys[1] != "a:2" {
		t.Fatalf("Keys() = %v", keys)
	}
}
