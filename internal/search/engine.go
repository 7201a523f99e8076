// Package search provides the semantic image search engine.
package search

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mieru/internal/config"
	"github.com/hyperjump/mieru/internal/embedding"
	"github.com/hyperjump/mieru/internal/index"
	"github.com/hyperjump/mieru/internal/models"
	"github.com/hyperjump/mieru/internal/storage"
)

// primaryCount is the number of top results shown as primary matches in a
// combined text + image search.
const primaryCount = 5

// ErrEmbeddingFailed marks failures embedding the query text or images. The
// underlying cause (such as embedding.ErrModelUnavailable) stays in the
// chain.
var ErrEmbeddingFailed = errors.New("embedding failed")

// Embedder turns queries into vectors at a model tier.
type Embedder interface {
	EmbedText(ctx context.Context, text string, tier models.Tier) ([]float32, error)
	EmbedImage(ctx context.Context, img image.Image, tier models.Tier) ([]float32, error)
}

// IndexTrigger starts an incremental indexing pass for a profile.
type IndexTrigger interface {
	Index(ctx context.Context, profileID string, force bool) (*models.IndexResult, error)
}

// Engine answers text, image, combined, and related-image queries against a
// profile's vector namespace.
type Engine struct {
	storage  storage.Storage
	embedder Embedder
	store    *index.Store
	trigger  IndexTrigger // optional; when set, searches kick off a best-effort index pass
	config   *config.SearchConfig
	logger   *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for query debug output.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithIndexTrigger makes every search kick off a background incremental
// indexing pass so results include recently added files.
func WithIndexTrigger(t IndexTrigger) EngineOption {
	return func(e *Engine) { e.trigger = t }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(st storage.Storage, embedder Embedder, store *index.Store, cfg *config.SearchConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		storage:  st,
		embedder: embedder,
		store:    store,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SearchText runs a text query against the profile's index.
func (e *Engine) SearchText(ctx context.Context, profileID, text string, limit int) (*models.SearchResponse, error) {
	return e.search(ctx, profileID, text, nil, limit)
}

// SearchImages runs a query-by-example over one or more images. Multiple
// image vectors are fused into a single query vector.
func (e *Engine) SearchImages(ctx context.Context, profileID string, images []image.Image, limit int) (*models.SearchResponse, error) {
	return e.search(ctx, profileID, "", images, limit)
}

// SearchCombined runs a query mixing text and images. The response carries
// the full ranked list plus a primary/related partition.
func (e *Engine) SearchCombined(ctx context.Context, profileID, text string, images []image.Image, limit int) (*models.SearchResponse, error) {
	return e.search(ctx, profileID, text, images, limit)
}

func (e *Engine) search(ctx context.Context, profileID, text string, images []image.Image, limit int) (*models.SearchResponse, error) {
	startTime := time.Now()
	e.triggerIndex(profileID)

	profile, err := e.storage.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	limit = e.clampLimit(limit, profile)
	tier := profile.Settings.ModelTier

	var vectors [][]float32
	if text != "" {
		vec, err := e.embedder.EmbedText(ctx, text, tier)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
		}
		vectors = append(vectors, vec)
	}
	for _, img := range images {
		vec, err := e.embedder.EmbedImage(ctx, img, tier)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
		}
		vectors = append(vectors, vec)
	}
	queryVec, err := embedding.Fuse(vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	results, err := e.query(ctx, profileID, queryVec, limit, profile.Settings.SimilarityThreshold, "")
	if err != nil {
		return nil, err
	}

	response := &models.SearchResponse{
		Results:   results,
		QueryTime: time.Since(startTime).Milliseconds(),
	}
	if text != "" && len(images) > 0 {
		response.Primary, response.Related = partition(results)
	}
	if e.logger != nil {
		e.logger.Debug("search complete",
			zap.String("profile", profileID),
			zap.Int("results", len(results)),
			zap.Int64("query_time_ms", response.QueryTime))
	}
	return response, nil
}

// Related returns images similar to an already indexed image, identified by
// record id. The stored vector is reused; the file is never re-embedded.
// An unknown id yields an empty response.
func (e *Engine) Related(ctx context.Context, profileID, imageID string, limit int) (*models.SearchResponse, error) {
	startTime := time.Now()

	profile, err := e.storage.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	limit = e.clampLimit(limit, profile)

	ns, err := e.store.Namespace(profileID, index.KindImages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	stored, err := ns.Get(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	response := &models.SearchResponse{Results: []*models.SearchResult{}}
	if len(stored) == 0 {
		response.QueryTime = time.Since(startTime).Milliseconds()
		return response, nil
	}

	// Query one extra so the source image can be dropped from its own
	// neighbors.
	results, err := e.query(ctx, profileID, stored[0].Vector, limit+1, profile.Settings.SimilarityThreshold, imageID)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	response.Results = results
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

// query runs the shared ranking pipeline: nearest neighbors, distance to
// score conversion, threshold filter, existence flag, stable sort.
func (e *Engine) query(ctx context.Context, profileID string, vec []float32, k int, threshold float64, excludeID string) ([]*models.SearchResult, error) {
	ns, err := e.store.Namespace(profileID, index.KindImages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	hits, err := ns.Query(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	results := make([]*models.SearchResult, 0, len(hits))
	for _, hit := range hits {
		if hit.ID == excludeID {
			continue
		}
		score := 1 - math.Min(hit.Distance, 1.0)
		if score < threshold {
			continue
		}
		rec := models.ImageRecordFromMetadata(hit.ID, hit.Metadata)
		results = append(results, &models.SearchResult{
			Image:  rec,
			Score:  score,
			Exists: rec.Exists(),
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func (e *Engine) clampLimit(limit int, profile *models.Profile) int {
	if limit <= 0 {
		limit = profile.Settings.SimilarImageCount
	}
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}
	if e.config.MaxLimit > 0 && limit > e.config.MaxLimit {
		limit = e.config.MaxLimit
	}
	return limit
}

// triggerIndex kicks off a best-effort background indexing pass. Failures
// are logged and never surface to the caller.
func (e *Engine) triggerIndex(profileID string) {
	if e.trigger == nil {
		return
	}
	go func() {
		if _, err := e.trigger.Index(context.Background(), profileID, false); err != nil {
			if e.logger != nil {
				e.logger.Debug("background indexing failed",
					zap.String("profile", profileID),
					zap.Error(err))
			}
		}
	}()
}

// partition splits ranked results into primary (the strongest matches) and
// related (the remainder) for combined searches.
func partition(results []*models.SearchResult) (primary, related []*models.SearchResult) {
	n := primaryCount
	if n > len(results) {
		n = len(results)
	}
	return results[:n], results[n:]
}
