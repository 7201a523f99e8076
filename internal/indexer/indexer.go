// Package indexer provides incremental image indexing: it walks a profile's
// monitored folders and embeds images not yet present in the profile's
// vector namespace.
package indexer

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mieru/internal/imageid"
	"github.com/hyperjump/mieru/internal/imagemeta"
	"github.com/hyperjump/mieru/internal/index"
	"github.com/hyperjump/mieru/internal/models"
	"github.com/hyperjump/mieru/internal/storage"
)

// ImageEmbedder produces an embedding vector for an image at a model tier.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, img image.Image, tier models.Tier) ([]float32, error)
}

// Indexer runs incremental indexing per profile. At most one run is in
// flight per profile at any time.
type Indexer struct {
	storage  storage.Storage
	embedder ImageEmbedder
	store    *index.Store
	logger   *zap.Logger // optional; when set, logs run and per-file events

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	runs  map[string]models.IndexingRun
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for run progress and per-file failures.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// NewIndexer creates an indexer with the given dependencies.
func NewIndexer(st storage.Storage, embedder ImageEmbedder, store *index.Store, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		storage:  st,
		embedder: embedder,
		store:    store,
		locks:    make(map[string]*sync.Mutex),
		runs:     make(map[string]models.IndexingRun),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Index runs one incremental pass over the profile's monitored folders and
// returns the ids of newly indexed images. When a run is already in flight
// for the profile, a plain request returns immediately with AlreadyRunning
// set; force=true instead waits for the running pass to finish and then
// runs again.
func (idx *Indexer) Index(ctx context.Context, profileID string, force bool) (*models.IndexResult, error) {
	lock := idx.profileLock(profileID)
	if force {
		lock.Lock()
	} else if !lock.TryLock() {
		return &models.IndexResult{AlreadyRunning: true}, nil
	}
	defer lock.Unlock()

	start := time.Now()
	idx.setRun(profileID, models.IndexingRun{Running: true, StartTime: start})
	result, err := idx.run(ctx, profileID)
	idx.setRun(profileID, models.IndexingRun{StartTime: start, EndTime: time.Now()})
	return result, err
}

// Status returns the profile's current or most recent run state.
func (idx *Indexer) Status(profileID string) models.IndexingRun {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.runs[profileID]
}

func (idx *Indexer) profileLock(profileID string) *sync.Mutex {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	lock, ok := idx.locks[profileID]
	if !ok {
		lock = &sync.Mutex{}
		idx.locks[profileID] = lock
	}
	return lock
}

func (idx *Indexer) setRun(profileID string, run models.IndexingRun) {
	idx.mu.Lock()
	idx.runs[profileID] = run
	idx.mu.Unlock()
}

func (idx *Indexer) run(ctx context.Context, profileID string) (*models.IndexResult, error) {
	profile, err := idx.storage.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	result := &models.IndexResult{IndexedIDs: []string{}}
	if len(profile.Settings.MonitoredFolders) == 0 {
		return result, nil
	}

	ns, err := idx.store.Namespace(profileID, index.KindImages)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace: %w", err)
	}

	existing, err := ns.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexed records: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, rec := range existing {
		if p := rec.Metadata["path"]; p != "" {
			seen[p] = true
		}
	}

	for _, folder := range profile.Settings.MonitoredFolders {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, walkErr := idx.indexFolder(ctx, ns, profile, folder, seen, result)
		if walkErr != nil {
			// A missing or unreadable folder does not abort the run.
			if idx.logger != nil {
				idx.logger.Warn("indexer folder walk failed",
					zap.String("profile", profileID),
					zap.String("folder", folder),
					zap.Error(walkErr))
			}
			continue
		}
		if idx.logger != nil {
			idx.logger.Debug("indexer folder scanned",
				zap.String("profile", profileID),
				zap.String("folder", folder),
				zap.Int("new_images", n))
		}
	}

	if err := idx.store.Flush(); err != nil {
		return result, fmt.Errorf("failed to persist index: %w", err)
	}

	now := time.Now()
	profile.Settings.LastIndexed = &now
	if err := idx.storage.UpdateProfile(ctx, profile); err != nil {
		return result, fmt.Errorf("failed to stamp last indexed: %w", err)
	}
	return result, nil
}

// indexFolder walks folder recursively, indexing supported image files whose
// paths are not yet in seen. Per-file failures are logged and skipped.
func (idx *Indexer) indexFolder(ctx context.Context, ns index.Namespace, profile *models.Profile, folder string, seen map[string]bool, result *models.IndexResult) (int, error) {
	absFolder, err := filepath.Abs(folder)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	n := 0
	err = filepath.WalkDir(absFolder, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !imagemeta.SupportedExtension(path) {
			return nil
		}
		if seen[path] {
			return nil
		}
		id, err := idx.indexImage(ctx, ns, profile.Settings.ModelTier, path)
		if err != nil {
			if idx.logger != nil {
				idx.logger.Warn("indexer skipping image",
					zap.String("path", path),
					zap.Error(err))
			}
			return nil
		}
		seen[path] = true
		result.IndexedIDs = append(result.IndexedIDs, id)
		n++
		return nil
	})
	return n, err
}

func (idx *Indexer) indexImage(ctx context.Context, ns index.Namespace, tier models.Tier, path string) (string, error) {
	rec, err := imagemeta.Extract(path)
	if err != nil {
		return "", fmt.Errorf("extract metadata: %w", err)
	}
	img, err := imagemeta.Open(path)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	vec, err := idx.embedder.EmbedImage(ctx, img, tier)
	if err != nil {
		return "", fmt.Errorf("embed image: %w", err)
	}
	rec.ID = imageid.FromPath(path)
	rec.LastIndexed = time.Now()
	if err := ns.Upsert(ctx, index.Record{ID: rec.ID, Vector: vec, Metadata: rec.ToMetadata()}); err != nil {
		return "", fmt.Errorf("upsert record: %w", err)
	}
	return rec.ID, nil
}
