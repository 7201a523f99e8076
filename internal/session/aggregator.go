// Package session groups search queries into chronological sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/mieru/internal/models"
	"github.com/hyperjump/mieru/internal/storage"
)

// mergeWindow is how recently a session must have been updated for a new
// query to join it instead of opening a new session.
const mergeWindow = time.Hour

// Aggregator records queries into sessions. Queries arriving within the
// merge window of a profile's latest session are appended to it; older
// activity opens a new session named from the query preview.
//
// Two concurrent recordings racing past the window check can each create a
// session; history then shows two sessions instead of one merged one, which
// is harmless and left unguarded.
type Aggregator struct {
	storage storage.Storage
	logger  *zap.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithLogger sets a logger for recording debug output.
func WithLogger(l *zap.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator creates an aggregator backed by the given storage.
func NewAggregator(st storage.Storage, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{storage: st}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record stores a query and its result ids under the profile's active
// session, creating one when none is recent enough. The updated or created
// session is returned.
func (a *Aggregator) Record(ctx context.Context, profileID string, query *models.SearchQuery, resultIDs []string) (*models.Session, error) {
	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	latest, err := a.storage.LatestSession(ctx, profileID)
	switch {
	case err == nil && time.Since(latest.UpdatedAt) <= mergeWindow:
		latest.Queries = append(latest.Queries, query)
		latest.ResultIDs = append(latest.ResultIDs, resultIDs...)
		if err := a.storage.UpdateSession(ctx, latest); err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
		if a.logger != nil {
			a.logger.Debug("query appended to session",
				zap.String("profile", profileID),
				zap.String("session", latest.ID),
				zap.Int("queries", len(latest.Queries)))
		}
		return latest, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to read latest session: %w", err)
	}

	sess := &models.Session{
		ID:        uuid.New().String(),
		ProfileID: profileID,
		Queries:   []*models.SearchQuery{query},
		ResultIDs: resultIDs,
	}
	sess.Name = sess.PreviewName()
	if err := a.storage.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if a.logger != nil {
		a.logger.Debug("session created",
			zap.String("profile", profileID),
			zap.String("session", sess.ID),
			zap.String("name", sess.Name))
	}
	return sess, nil
}
