package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// memoryNamespace is an in-memory namespace using brute-force cosine search.
// Records are kept in insertion order so query ties and All() are stable.
type memoryNamespace struct {
	dimensions int
	mu         sync.RWMutex
	order      []string
	records    map[string]Record
	dirty      bool
}

func newMemoryNamespace(dimensions int) (*memoryNamespace, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &memoryNamespace{
		dimensions: dimensions,
		records:    make(map[string]Record),
	}, nil
}

// Upsert stores records by id, replacing vector and metadata for existing ids.
// A replaced record keeps its insertion position.
func (n *memoryNamespace) Upsert(ctx context.Context, records ...Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, rec := range records {
		if len(rec.Vector) != n.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(rec.Vector), n.dimensions)
		}
		stored := Record{
			ID:     rec.ID,
			Vector: append([]float32(nil), rec.Vector...),
		}
		if rec.Metadata != nil {
			stored.Metadata = make(map[string]string, len(rec.Metadata))
			for k, v := range rec.Metadata {
				stored.Metadata[k] = v
			}
		}
		if _, exists := n.records[rec.ID]; !exists {
			n.order = append(n.order, rec.ID)
		}
		n.records[rec.ID] = stored
		n.dirty = true
	}
	return nil
}

// Get returns stored records for existing ids, in request order.
func (n *memoryNamespace) Get(ctx context.Context, ids ...string) ([]Record, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := n.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// All returns every record in insertion order.
func (n *memoryNamespace) All(ctx context.Context) ([]Record, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Record, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.records[id])
	}
	return out, nil
}

// Query returns the top-k records by cosine distance, nearest first.
func (n *memoryNamespace) Query(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if len(vector) != n.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(vector), n.dimensions)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if k <= 0 || len(n.order) == 0 {
		return nil, nil
	}
	scored := make([]Result, 0, len(n.order))
	for _, id := range n.order {
		rec := n.records[id]
		scored = append(scored, Result{Record: rec, Distance: cosineDistance(vector, rec.Vector)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Distance < scored[j].Distance })
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

// Delete removes records by id; absent ids are ignored.
func (n *memoryNamespace) Delete(ctx context.Context, ids ...string) error {
	removeSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		removeSet[id] = true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	newOrder := n.order[:0]
	for _, id := range n.order {
		if removeSet[id] {
			delete(n.records, id)
			n.dirty = true
		} else {
			newOrder = append(newOrder, id)
		}
	}
	n.order = newOrder
	return nil
}

// Count returns the number of stored records.
func (n *memoryNamespace) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.order)
}

// cosineDistance returns 1 - cosine similarity, clamped to [0,2].
// Zero-norm vectors are treated as maximally distant.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	return math.Max(0, math.Min(2, d))
}
