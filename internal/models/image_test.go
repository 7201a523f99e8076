package models

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestMetadataRoundTrip(t *testing.T) {
	rec := &ImageRecord{
		ID:          "img_abc",
		Filename:    "sunset.jpg",
		Path:        "/photos/sunset.jpg",
		Size:        20480,
		Width:       1920,
		Height:      1080,
		CreatedAt:   time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		ModifiedAt:  time.Date(2026, 2, 1, 18, 30, 0, 0, time.UTC),
		EXIF:        map[string]string{"Make": "Canon", "Model": "EOS R5"},
		LastIndexed: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
	}

	got := ImageRecordFromMetadata(rec.ID, rec.ToMetadata())
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, rec)
	}
}

func TestMetadataOmitsZeroDimensions(t *testing.T) {
	rec := &ImageRecord{ID: "img_x", Path: "/p.gif"}
	meta := rec.ToMetadata()
	if _, ok := meta["width"]; ok {
		t.Error("width should be omitted when zero")
	}
	if _, ok := meta["height"]; ok {
		t.Error("height should be omitted when zero")
	}
	if _, ok := meta["exif"]; ok {
		t.Error("exif should be omitted when empty")
	}
}

func TestImageRecordFromMetadata_missingFields(t *testing.T) {
	rec := ImageRecordFromMetadata("img_y", map[string]string{"path": "/only/path.png"})
	if rec.ID != "img_y" || rec.Path != "/only/path.png" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Size != 0 || rec.Width != 0 || rec.Height != 0 {
		t.Errorf("numeric fields should be zero: %+v", rec)
	}
	if !rec.CreatedAt.IsZero() || !rec.LastIndexed.IsZero() {
		t.Errorf("time fields should be zero: %+v", rec)
	}
	if rec.EXIF != nil {
		t.Errorf("exif should be nil, got %v", rec.EXIF)
	}
}

func TestImageRecordFromMetadata_malformedValues(t *testing.T) {
	rec := ImageRecordFromMetadata("img_z", map[string]string{
		"size":  "not-a-number",
		"width": "abc",
		"exif":  "{broken json",
	})
	if rec.Size != 0 || rec.Width != 0 {
		t.Errorf("malformed numerics should fall back to zero: %+v", rec)
	}
	if rec.EXIF != nil {
		t.Errorf("malformed exif should stay nil, got %v", rec.EXIF)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if !(&ImageRecord{Path: path}).Exists() {
		t.Error("existing file should report Exists")
	}
	if (&ImageRecord{Path: filepath.Join(dir, "gone.jpg")}).Exists() {
		t.Error("missing file should not report Exists")
	}
}
