package indexer

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/mieru/internal/index"
	"github.com/hyperjump/mieru/internal/models"
	"github.com/hyperjump/mieru/internal/storage"
)

type stubEmbedder struct {
	mu      sync.Mutex
	calls   int
	started chan struct{} // closed when the first call begins, if non-nil
	release chan struct{} // first call blocks until closed, if non-nil
}

func (e *stubEmbedder) EmbedImage(ctx context.Context, img image.Image, tier models.Tier) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	first := e.calls == 1
	e.mu.Unlock()
	if first && e.started != nil {
		close(e.started)
	}
	if first && e.release != nil {
		<-e.release
	}
	return []float32{1, 0, 0, 0}, nil
}

func (e *stubEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

type testEnv struct {
	indexer  *Indexer
	storage  *storage.SQLiteStorage
	store    *index.Store
	embedder *stubEmbedder
	profile  *models.Profile
	folder   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := storage.NewSQLiteStorage(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	store, err := index.NewStore(filepath.Join(dir, "index"), 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	folder := filepath.Join(dir, "photos")
	if err := os.MkdirAll(folder, 0755); err != nil {
		t.Fatal(err)
	}

	profile := &models.Profile{
		ID:   "p1",
		Name: "test",
		Settings: models.ProfileSettings{
			MonitoredFolders:    []string{folder},
			SimilarityThreshold: 0.7,
			ModelTier:           models.TierDefault,
		},
	}
	if err := st.CreateProfile(context.Background(), profile); err != nil {
		t.Fatal(err)
	}

	embedder := &stubEmbedder{}
	return &testEnv{
		indexer:  NewIndexer(st, embedder, store),
		storage:  st,
		store:    store,
		embedder: embedder,
		profile:  profile,
		folder:   folder,
	}
}

func TestIndex_scansMonitoredFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeTestPNG(t, filepath.Join(env.folder, "a.png"))
	writeTestPNG(t, filepath.Join(env.folder, "b.png"))
	sub := filepath.Join(env.folder, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeTestPNG(t, filepath.Join(sub, "c.png"))
	// Non-image files are ignored.
	if err := os.WriteFile(filepath.Join(env.folder, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := env.indexer.Index(ctx, "p1", false)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(result.IndexedIDs) != 3 {
		t.Errorf("indexed %d images, want 3", len(result.IndexedIDs))
	}

	ns, _ := env.store.Namespace("p1", index.KindImages)
	if ns.Count() != 3 {
		t.Errorf("namespace count = %d", ns.Count())
	}
}

func TestIndex_incremental(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeTestPNG(t, filepath.Join(env.folder, "a.png"))
	if _, err := env.indexer.Index(ctx, "p1", false); err != nil {
		t.Fatal(err)
	}
	firstCalls := env.embedder.callCount()

	writeTestPNG(t, filepath.Join(env.folder, "b.png"))
	result, err := env.indexer.Index(ctx, "p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.IndexedIDs) != 1 {
		t.Errorf("second run indexed %d images, want 1", len(result.IndexedIDs))
	}
	if got := env.embedder.callCount() - firstCalls; got != 1 {
		t.Errorf("already indexed images were re-embedded: %d extra calls", got)
	}
}

func TestIndex_noMonitoredFolders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.profile.Settings.MonitoredFolders = nil
	if err := env.storage.UpdateProfile(ctx, env.profile); err != nil {
		t.Fatal(err)
	}

	result, err := env.indexer.Index(ctx, "p1", false)
	if err != nil {
		t.Fatalf("no folders should not be an error: %v", err)
	}
	if len(result.IndexedIDs) != 0 || result.AlreadyRunning {
		t.Errorf("result = %+v", result)
	}
}

func TestIndex_missingFolderSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeTestPNG(t, filepath.Join(env.folder, "a.png"))
	env.profile.Settings.MonitoredFolders = []string{
		filepath.Join(env.folder, "does-not-exist"),
		env.folder,
	}
	if err := env.storage.UpdateProfile(ctx, env.profile); err != nil {
		t.Fatal(err)
	}

	result, err := env.indexer.Index(ctx, "p1", false)
	if err != nil {
		t.Fatalf("missing folder should not abort the run: %v", err)
	}
	if len(result.IndexedIDs) != 1 {
		t.Errorf("indexed %d images, want 1", len(result.IndexedIDs))
	}
}

func TestIndex_corruptImageSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeTestPNG(t, filepath.Join(env.folder, "good.png"))
	if err := os.WriteFile(filepath.Join(env.folder, "bad.jpg"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := env.indexer.Index(ctx, "p1", false)
	if err != nil {
		t.Fatalf("corrupt file should not abort the run: %v", err)
	}
	if len(result.IndexedIDs) != 1 {
		t.Errorf("indexed %d images, want 1", len(result.IndexedIDs))
	}
}

func TestIndex_singleFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeTestPNG(t, filepath.Join(env.folder, "a.png"))
	env.embedder.started = make(chan struct{})
	env.embedder.release = make(chan struct{})

	done := make(chan *models.IndexResult, 1)
	go func() {
		result, _ := env.indexer.Index(ctx, "p1", false)
		done <- result
	}()
	<-env.embedder.started

	// While the first run is blocked in the embedder, a plain request is a
	// no-op.
	result, err := env.indexer.Index(ctx, "p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.AlreadyRunning {
		t.Error("concurrent request should report AlreadyRunning")
	}
	if !env.indexer.Status("p1").Running {
		t.Error("status should report a running pass")
	}

	close(env.embedder.release)
	first := <-done
	if first.AlreadyRunning || len(first.IndexedIDs) != 1 {
		t.Errorf("first run result = %+v", first)
	}

	// force=true waits rather than bailing; with the lock free it runs.
	forced, err := env.indexer.Index(ctx, "p1", true)
	if err != nil {
		t.Fatal(err)
	}
	if forced.AlreadyRunning {
		t.Error("forced run should never report AlreadyRunning")
	}
	if env.indexer.Status("p1").Running {
		t.Error("status should be idle after completion")
	}
}

func TestIndex_stampsLastIndexed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	before := time.Now()
	if _, err := env.indexer.Index(ctx, "p1", false); err != nil {
		t.Fatal(err)
	}

	p, err := env.storage.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Settings.LastIndexed == nil || p.Settings.LastIndexed.Before(before) {
		t.Errorf("last indexed not stamped: %v", p.Settings.LastIndexed)
	}
}

func TestIndex_unknownProfile(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.indexer.Index(context.Background(), "ghost", false); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestScheduler_indexesProfiles(t *testing.T) {
	env := newTestEnv(t)
	writeTestPNG(t, filepath.Join(env.folder, "a.png"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler(env.indexer, 10*time.Millisecond, nil)
	go sched.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		ns, _ := env.store.Namespace("p1", index.KindImages)
		if ns.Count() == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never indexed the profile")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
