// Package models defines core data structures for images, profiles, search, and sessions.
package models

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// ImageRecord represents an indexed image with its file metadata and embedding.
// At most one record exists per absolute path per profile namespace.
type ImageRecord struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	Path        string            `json:"path"`
	Size        int64             `json:"size"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ModifiedAt  time.Time         `json:"modified_at"`
	EXIF        map[string]string `json:"exif,omitempty"`
	LastIndexed time.Time         `json:"last_indexed"`
	Embedding   []float32         `json:"-"`
}

// Exists reports whether the image file is still present on disk.
// Records are never auto-deleted when files disappear; liveness is
// checked lazily at query time.
func (r *ImageRecord) Exists() bool {
	_, err := os.Stat(r.Path)
	return err == nil
}

// ToMetadata flattens the record into string metadata for the vector index.
// The embedding is not included; it lives in the record's vector.
func (r *ImageRecord) ToMetadata() map[string]string {
	m := map[string]string{
		"path":         r.Path,
		"filename":     r.Filename,
		"size":         strconv.FormatInt(r.Size, 10),
		"created_at":   r.CreatedAt.Format(time.RFC3339Nano),
		"modified_at":  r.ModifiedAt.Format(time.RFC3339Nano),
		"last_indexed": r.LastIndexed.Format(time.RFC3339Nano),
	}
	if r.Width > 0 {
		m["width"] = strconv.Itoa(r.Width)
	}
	if r.Height > 0 {
		m["height"] = strconv.Itoa(r.Height)
	}
	if len(r.EXIF) > 0 {
		if b, err := json.Marshal(r.EXIF); err == nil {
			m["exif"] = string(b)
		}
	}
	return m
}

// ImageRecordFromMetadata rebuilds a record from vector index metadata.
// Missing or malformed fields fall back to zero values.
func ImageRecordFromMetadata(id string, meta map[string]string) *ImageRecord {
	r := &ImageRecord{
		ID:       id,
		Path:     meta["path"],
		Filename: meta["filename"],
	}
	r.Size, _ = strconv.ParseInt(meta["size"], 10, 64)
	r.Width, _ = strconv.Atoi(meta["width"])
	r.Height, _ = strconv.Atoi(meta["height"])
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta["created_at"])
	r.ModifiedAt, _ = time.Parse(time.RFC3339Nano, meta["modified_at"])
	r.LastIndexed, _ = time.Parse(time.RFC3339Nano, meta["last_indexed"])
	if raw, ok := meta["exif"]; ok {
		_ = json.Unmarshal([]byte(raw), &r.EXIF)
	}
	return r
}

// SearchResult is a read-only projection of an ImageRecord plus a similarity
// score in [0,1] (1 = identical) and a file-existence flag. Not persisted.
type SearchResult struct {
	Image  *ImageRecord `json:"image"`
	Score  float64      `json:"score"`
	Exists bool         `json:"exists"`
}

// SearchResponse is the response for a search request. Results is the full
// ranked list; Primary and Related are only populated for combined
// (text + image) searches, where Primary holds the first min(5, N) results
// and Related the remainder.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Primary   []*SearchResult `json:"primary,omitempty"`
	Related   []*SearchResult `json:"related,omitempty"`
	QueryTime int64           `json:"query_time_ms"`
}

// IndexResult is the outcome of one incremental indexing request.
type IndexResult struct {
	// IndexedIDs are the ids of newly indexed images, in scan order.
	IndexedIDs []string `json:"indexed_ids"`
	// AlreadyRunning is true when a run was in flight for the profile and
	// the request was dropped as a no-op.
	AlreadyRunning bool `json:"already_running,omitempty"`
}

// IndexingRun is transient per-profile indexing state.
type IndexingRun struct {
	Running   bool      `json:"running"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
}
