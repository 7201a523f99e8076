// Package watcher triggers incremental indexing when files change inside a
// profile's monitored folders.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/mieru/internal/imagemeta"
	"github.com/hyperjump/mieru/internal/models"
)

const defaultDebounce = 2 * time.Second

// IndexTrigger starts an incremental indexing pass for a profile.
type IndexTrigger interface {
	Index(ctx context.Context, profileID string, force bool) (*models.IndexResult, error)
}

// Watcher maps filesystem events in monitored folders to debounced
// per-profile indexing runs. The periodic scheduler remains the
// correctness backstop; the watcher only shortens the latency between a
// file appearing and it becoming searchable.
type Watcher struct {
	trigger  IndexTrigger
	debounce time.Duration
	logger   *zap.Logger // optional; when set, logs debug events

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	profiles map[string][]string // profile id -> monitored folder roots
	timers   map[string]*time.Timer
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output (events, triggered runs, etc.).
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce overrides the delay between the last observed event and the
// triggered indexing run.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher that calls trigger for profiles whose
// monitored folders change.
func NewWatcher(trigger IndexTrigger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		trigger:  trigger,
		debounce: defaultDebounce,
		profiles: make(map[string][]string),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

// WatchProfile replaces the set of folders watched for a profile. Folders
// are watched recursively; missing folders are skipped.
func (w *Watcher) WatchProfile(profileID string, folders []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	w.unwatchLocked(profileID)

	var roots []string
	for _, folder := range folders {
		abs, err := filepath.Abs(folder)
		if err != nil {
			continue
		}
		if err := w.addRecursiveLocked(abs); err != nil {
			if w.logger != nil {
				w.logger.Debug("watcher failed to add folder",
					zap.String("profile", profileID),
					zap.String("folder", abs),
					zap.Error(err))
			}
			continue
		}
		roots = append(roots, abs)
	}
	w.profiles[profileID] = roots
	if w.logger != nil {
		w.logger.Debug("watcher profile folders set",
			zap.String("profile", profileID),
			zap.Strings("folders", roots))
	}
	return nil
}

// UnwatchProfile stops watching a profile's folders.
func (w *Watcher) UnwatchProfile(profileID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(profileID)
	delete(w.profiles, profileID)
}

func (w *Watcher) unwatchLocked(profileID string) {
	if t, ok := w.timers[profileID]; ok {
		t.Stop()
		delete(w.timers, profileID)
	}
	if w.watcher == nil {
		return
	}
	for _, root := range w.profiles[profileID] {
		// A folder may be shared by another profile; keep its watch then.
		if w.sharedLocked(profileID, root) {
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			_ = w.watcher.Remove(path)
			return nil
		})
	}
}

func (w *Watcher) sharedLocked(profileID, root string) bool {
	for id, roots := range w.profiles {
		if id == profileID {
			continue
		}
		for _, r := range roots {
			if filepath.Clean(r) == filepath.Clean(root) {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) addRecursiveLocked(root string) error {
	if _, err := os.Stat(root); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch ev.Op {
	case fsnotify.Create, fsnotify.Write:
	default:
		return
	}
	path := ev.Name

	// A new directory gets watched so images dropped into it are seen.
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		w.mu.Lock()
		if w.watcher != nil {
			_ = w.addRecursiveLocked(path)
		}
		w.mu.Unlock()
	} else if !imagemeta.SupportedExtension(path) {
		return
	}

	for _, profileID := range w.owningProfiles(path) {
		if w.logger != nil {
			w.logger.Debug("watcher event",
				zap.String("op", ev.Op.String()),
				zap.String("path", path),
				zap.String("profile", profileID))
		}
		w.scheduleRun(profileID)
	}
}

// owningProfiles returns the profiles whose monitored folders contain path.
func (w *Watcher) owningProfiles(path string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	clean := filepath.Clean(path)
	var owners []string
	for profileID, roots := range w.profiles {
		for _, root := range roots {
			if root == clean || inDir(root, clean) {
				owners = append(owners, profileID)
				break
			}
		}
	}
	return owners
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// scheduleRun arms the profile's debounce timer; a burst of events collapses
// into a single indexing run.
func (w *Watcher) scheduleRun(profileID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[profileID]; ok {
		t.Stop()
	}
	w.timers[profileID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, profileID)
		logger := w.logger
		w.mu.Unlock()
		if logger != nil {
			logger.Debug("watcher triggering indexing", zap.String("profile", profileID))
		}
		if _, err := w.trigger.Index(context.Background(), profileID, false); err != nil && logger != nil {
			logger.Warn("watch-triggered indexing failed",
				zap.String("profile", profileID),
				zap.Error(err))
		}
	})
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for profileID, t := range w.timers {
		t.Stop()
		delete(w.timers, profileID)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
