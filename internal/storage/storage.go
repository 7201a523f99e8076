// Package storage defines the persistence interface for profiles and
// search sessions.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/mieru/internal/models"
)

// ErrNotFound is returned when a profile or session does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines profile and session persistence operations.
type Storage interface {
	// Profile operations
	CreateProfile(ctx context.Context, profile *models.Profile) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	UpdateProfile(ctx context.Context, profile *models.Profile) error
	DeleteProfile(ctx context.Context, id string) error
	ListProfiles(ctx context.Context) ([]*models.Profile, error)
	// TouchProfile updates a profile's last accessed time.
	TouchProfile(ctx context.Context, id string) error
	// EnsureDefaultProfile returns the default profile, creating it on
	// first use.
	EnsureDefaultProfile(ctx context.Context) (*models.Profile, error)

	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	// ListSessions returns a profile's sessions newest first. A non-empty
	// filter restricts results to sessions whose name or query text
	// contains it.
	ListSessions(ctx context.Context, profileID, filter string, offset, limit int) ([]*models.Session, error)
	// LatestSession returns the profile's most recently updated session,
	// or ErrNotFound when the profile has none.
	LatestSession(ctx context.Context, profileID string) (*models.Session, error)

	// Stats
	CountProfiles(ctx context.Context) (int64, error)
	CountSessions(ctx context.Context, profileID string) (int64, error)

	Close() error
}
