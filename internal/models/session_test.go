package models

import (
	"strings"
	"testing"
)

func TestPreviewName(t *testing.T) {
	tests := []struct {
		name    string
		session Session
		want    string
	}{
		{
			name:    "empty session",
			session: Session{},
			want:    "Empty session",
		},
		{
			name: "short text used as-is",
			session: Session{Queries: []*SearchQuery{
				{Text: "sunset over mountains"},
			}},
			want: "sunset over mountains",
		},
		{
			name: "image-only query summarized by count",
			session: Session{Queries: []*SearchQuery{
				{ImagePaths: []string{"/a.jpg", "/b.png"}},
			}},
			want: "Image search (2 images)",
		},
		{
			name: "no text and no images falls back",
			session: Session{Queries: []*SearchQuery{
				{},
			}},
			want: "New search",
		},
	}
	for _, tt := range tests {
		if got := tt.session.PreviewName(); got != tt.want {
			t.Errorf("%s: PreviewName() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestPreviewNameTruncatesLongText(t *testing.T) {
	long := strings.Repeat("beach ", 20)
	s := Session{Queries: []*SearchQuery{{Text: long}}}
	got := s.PreviewName()
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncation suffix, got %q", got)
	}
	if len(got) != 50+len("...") {
		t.Errorf("preview length = %d, want %d", len(got), 53)
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"performance", TierPerformance, false},
		{"default", TierDefault, false},
		{"quality", TierQuality, false},
		{"", TierDefault, false},
		{"turbo", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
