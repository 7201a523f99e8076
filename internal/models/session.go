package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/mieru/pkg/utils"
)

// SearchQuery is one recorded query: text and/or image references, the time
// it ran, and the model settings in effect.
type SearchQuery struct {
	ID            string            `json:"id"`
	Text          string            `json:"text,omitempty"`
	ImagePaths    []string          `json:"image_paths,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	ModelSettings map[string]string `json:"model_settings,omitempty"`
}

// NewSearchQuery returns a query with a generated id and the current time.
func NewSearchQuery(text string, imagePaths []string) *SearchQuery {
	return &SearchQuery{
		ID:         uuid.New().String(),
		Text:       text,
		ImagePaths: imagePaths,
		Timestamp:  time.Now(),
	}
}

// Session groups related search queries and their result ids for history.
// Queries are ordered by timestamp, non-decreasing.
type Session struct {
	ID        string         `json:"id"`
	ProfileID string         `json:"profile_id"`
	Name      string         `json:"name,omitempty"`
	Queries   []*SearchQuery `json:"queries"`
	ResultIDs []string       `json:"result_ids"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

const previewMaxLen = 50

// PreviewName returns a display name derived from the first query: a
// truncated text preview, an image-count summary when no text is present,
// or a generic placeholder for an empty session.
func (s *Session) PreviewName() string {
	if len(s.Queries) == 0 {
		return "Empty session"
	}
	first := s.Queries[0]
	if first.Text != "" {
		return utils.Truncate(first.Text, previewMaxLen)
	}
	if len(first.ImagePaths) > 0 {
		return fmt.Sprintf("Image search (%d images)", len(first.ImagePaths))
	}
	return "New search"
}
