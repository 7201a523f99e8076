package index

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T, dims int) *Store {
	t.Helper()
	s, err := NewStore("", dims)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testNamespace(t *testing.T, dims int) Namespace {
	t.Helper()
	ns, err := testStore(t, dims).Namespace("p1", KindImages)
	if err != nil {
		t.Fatal(err)
	}
	return ns
}

func TestUpsertAndGet(t *testing.T) {
	ns := testNamespace(t, 2)
	ctx := context.Background()

	err := ns.Upsert(ctx,
		Record{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]string{"path": "/a.jpg"}},
		Record{ID: "b", Vector: []float32{0, 1}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if ns.Count() != 2 {
		t.Errorf("count = %d", ns.Count())
	}

	recs, err := ns.Get(ctx, "a", "missing", "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("missing ids must be omitted, not error: got %d records", len(recs))
	}
	if recs[0].ID != "a" || recs[0].Metadata["path"] != "/a.jpg" {
		t.Errorf("rec a = %+v", recs[0])
	}
}

func TestUpsert_idempotentReplace(t *testing.T) {
	ns := testNamespace(t, 2)
	ctx := context.Background()

	must(t, ns.Upsert(ctx, Record{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]string{"v": "1"}}))
	must(t, ns.Upsert(ctx, Record{ID: "a", Vector: []float32{0, 1}, Metadata: map[string]string{"v": "2"}}))

	if ns.Count() != 1 {
		t.Fatalf("second upsert with same id should replace, count = %d", ns.Count())
	}
	recs, _ := ns.Get(ctx, "a")
	if recs[0].Vector[1] != 1 || recs[0].Metadata["v"] != "2" {
		t.Errorf("replace did not take: %+v", recs[0])
	}
}

func TestUpsert_dimensionMismatch(t *testing.T) {
	ns := testNamespace(t, 2)
	if err := ns.Upsert(context.Background(), Record{ID: "a", Vector: []float32{1, 0, 0}}); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestQuery(t *testing.T) {
	ns := testNamespace(t, 2)
	ctx := context.Background()

	must(t, ns.Upsert(ctx,
		Record{ID: "east", Vector: []float32{1, 0}},
		Record{ID: "north", Vector: []float32{0, 1}},
		Record{ID: "northeast", Vector: []float32{0.7071, 0.7071}},
	))

	results, err := ns.Query(ctx, []float32{1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("k larger than size should clamp: got %d", len(results))
	}
	if results[0].ID != "east" {
		t.Errorf("nearest = %s", results[0].ID)
	}
	// A vector queried against itself is at distance 0.
	if results[0].Distance > 1e-6 {
		t.Errorf("self distance = %v", results[0].Distance)
	}
	if results[1].ID != "northeast" || results[2].ID != "north" {
		t.Errorf("order = %s, %s", results[1].ID, results[2].ID)
	}
	// Orthogonal vectors are at distance 1.
	if math.Abs(results[2].Distance-1) > 1e-4 {
		t.Errorf("orthogonal distance = %v", results[2].Distance)
	}

	if results, _ := ns.Query(ctx, []float32{1, 0}, 1); len(results) != 1 {
		t.Errorf("k=1 should return 1 result")
	}
	if results, _ := ns.Query(ctx, []float32{1, 0}, 0); results != nil {
		t.Errorf("k=0 should return nothing")
	}
}

func TestQuery_opposingVectorDistanceBeyondOne(t *testing.T) {
	ns := testNamespace(t, 2)
	ctx := context.Background()
	must(t, ns.Upsert(ctx, Record{ID: "west", Vector: []float32{-1, 0}}))
	results, err := ns.Query(ctx, []float32{1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(results[0].Distance-2) > 1e-4 {
		t.Errorf("opposite vector distance = %v, want 2", results[0].Distance)
	}
}

func TestQuery_tiesKeepInsertionOrder(t *testing.T) {
	ns := testNamespace(t, 2)
	ctx := context.Background()
	// Identical vectors: distances tie exactly.
	must(t, ns.Upsert(ctx,
		Record{ID: "first", Vector: []float32{1, 0}},
		Record{ID: "second", Vector: []float32{1, 0}},
	))
	results, _ := ns.Query(ctx, []float32{1, 0}, 2)
	if results[0].ID != "first" || results[1].ID != "second" {
		t.Errorf("tie order = %s, %s", results[0].ID, results[1].ID)
	}
}

func TestDelete(t *testing.T) {
	ns := testNamespace(t, 2)
	ctx := context.Background()
	must(t, ns.Upsert(ctx, Record{ID: "a", Vector: []float32{1, 0}}))
	must(t, ns.Delete(ctx, "a", "never-existed"))
	if ns.Count() != 0 {
		t.Errorf("count after delete = %d", ns.Count())
	}
	// Deleting absent ids again is a no-op.
	must(t, ns.Delete(ctx, "a"))
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t, 2)
	ctx := context.Background()

	nsA, err := s.Namespace("profile-a", KindImages)
	if err != nil {
		t.Fatal(err)
	}
	nsB, err := s.Namespace("profile-b", KindImages)
	if err != nil {
		t.Fatal(err)
	}
	must(t, nsA.Upsert(ctx, Record{ID: "a1", Vector: []float32{1, 0}}))

	// Identical query vector, different profile: nothing leaks.
	results, err := nsB.Query(ctx, []float32{1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("profile B sees profile A's records: %v", results)
	}
	if all, _ := nsB.All(ctx); len(all) != 0 {
		t.Errorf("profile B All() = %d records", len(all))
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewStore(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	ns, err := s1.Namespace("p1", KindImages)
	if err != nil {
		t.Fatal(err)
	}
	must(t, ns.Upsert(ctx,
		Record{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]string{"path": "/a.jpg", "filename": "a.jpg"}},
		Record{ID: "b", Vector: []float32{0, 1}},
	))
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s2.Close() })
	ns2, err := s2.Namespace("p1", KindImages)
	if err != nil {
		t.Fatal(err)
	}
	if ns2.Count() != 2 {
		t.Fatalf("reloaded count = %d", ns2.Count())
	}
	recs, _ := ns2.Get(ctx, "a")
	if len(recs) != 1 || recs[0].Metadata["path"] != "/a.jpg" {
		t.Errorf("reloaded record = %+v", recs)
	}
	if recs[0].Vector[0] != 1 || recs[0].Vector[1] != 0 {
		t.Errorf("reloaded vector = %v", recs[0].Vector)
	}
}

func TestLoad_truncatedFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewStore(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	ns, err := s1.Namespace("p1", KindImages)
	if err != nil {
		t.Fatal(err)
	}
	must(t, ns.Upsert(ctx, Record{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]string{"path": "/a.jpg"}}))
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	// Cut the file mid-field, leaving a short read at the tail; the load
	// must fail rather than hand back a partially read record.
	path := filepath.Join(dir, "p1_images.idx")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s2.Close() })
	if _, err := s2.Namespace("p1", KindImages); err == nil {
		t.Fatal("truncated index file should fail to load")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
