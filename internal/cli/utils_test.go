package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/mieru/internal/models"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Results: []*models.SearchResult{
			{Image: &models.ImageRecord{ID: "img_a", Path: "/photos/a.jpg", Width: 800, Height: 600, Size: 1234}, Score: 0.93, Exists: true},
			{Image: &models.ImageRecord{ID: "img_b", Path: "/photos/b.jpg"}, Score: 0.81, Exists: false},
		},
		QueryTime: 12,
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Found 2 results in 12ms") {
		t.Errorf("missing header: %s", out)
	}
	if !strings.Contains(out, "/photos/a.jpg") || !strings.Contains(out, "800x600") {
		t.Errorf("missing result detail: %s", out)
	}
	if !strings.Contains(out, "(missing)") {
		t.Errorf("missing-file marker absent: %s", out)
	}
}

func TestWriteSearchResults_partitioned(t *testing.T) {
	resp := sampleResponse()
	resp.Primary = resp.Results[:1]
	resp.Related = resp.Results[1:]

	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, resp, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Primary matches") || !strings.Contains(out, "Related") {
		t.Errorf("partition headers missing: %s", out)
	}
}

func TestWriteSearchResults_json(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded models.SearchResponse
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(decoded.Results) != 2 {
		t.Errorf("results = %d", len(decoded.Results))
	}
}

func TestWriteSessions_text(t *testing.T) {
	sessions := []*models.Session{
		{
			ID:        "s1",
			Name:      "sunset hunt",
			Queries:   []*models.SearchQuery{{Text: "sunset"}},
			UpdatedAt: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		},
	}
	var buf bytes.Buffer
	if err := WriteSessions(&buf, sessions, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "sunset hunt") || !strings.Contains(out, "2026-03-01") {
		t.Errorf("output = %s", out)
	}
}

func TestWriteProfiles_text(t *testing.T) {
	profiles := []*models.Profile{
		{ID: "p1", Name: "Default", IsDefault: true, Settings: models.ProfileSettings{ModelTier: models.TierDefault}},
	}
	var buf bytes.Buffer
	if err := WriteProfiles(&buf, profiles, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Default *") {
		t.Errorf("default marker missing: %s", buf.String())
	}
}

func TestParseOutputFormat(t *testing.T) {
	if _, err := ParseOutputFormat("text"); err != nil {
		t.Error(err)
	}
	if _, err := ParseOutputFormat("json"); err != nil {
		t.Error(err)
	}
	if _, err := ParseOutputFormat("yaml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
