package models

import (
	"fmt"
	"time"
)

// Tier selects the quality/performance level of the embedding models.
type Tier string

const (
	TierPerformance Tier = "performance"
	TierDefault     Tier = "default"
	TierQuality     Tier = "quality"
)

// ParseTier validates and returns the tier for s. Empty input maps to TierDefault.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierPerformance, TierDefault, TierQuality:
		return Tier(s), nil
	case "":
		return TierDefault, nil
	default:
		return "", fmt.Errorf("unknown model tier: %q (supported: performance, default, quality)", s)
	}
}

// ProfileSettings are the per-profile knobs the indexer and search engine read.
type ProfileSettings struct {
	MonitoredFolders    []string   `json:"monitored_folders"`
	SimilarityThreshold float64    `json:"similarity_threshold"`
	ModelTier           Tier       `json:"model_tier"`
	SimilarImageCount   int        `json:"similar_image_count"`
	AutoIndexInterval   int        `json:"auto_index_interval_minutes"`
	LastIndexed         *time.Time `json:"last_indexed,omitempty"`
}

// DefaultProfileSettings returns the settings new profiles start with.
func DefaultProfileSettings() ProfileSettings {
	return ProfileSettings{
		SimilarityThreshold: 0.7,
		ModelTier:           TierDefault,
		SimilarImageCount:   20,
		AutoIndexInterval:   60,
	}
}

// Profile is a user profile owning an isolated image index and history.
type Profile struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Avatar       string          `json:"avatar,omitempty"`
	IsDefault    bool            `json:"is_default"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
	Settings     ProfileSettings `json:"settings"`
}
