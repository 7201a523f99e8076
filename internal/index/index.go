// Package index provides the namespaced vector index gateway: per-profile
// isolated storage of (vector, metadata) records with nearest-neighbor query.
package index

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the backing store could not be read or written.
var ErrUnavailable = errors.New("vector index unavailable")

// Kind is the entity kind of a namespace.
type Kind string

// KindImages is the namespace kind holding image records.
const KindImages Kind = "images"

// Record is one stored entry: id, embedding vector, and string metadata.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Result is a single query hit. Distance is cosine distance in [0,2],
// 0 = identical.
type Result struct {
	Record
	Distance float64
}

// Namespace is an isolated partition of the store scoped to one profile and
// entity kind. A query against one namespace never returns another
// namespace's records, even for identical vectors.
type Namespace interface {
	// Upsert stores records by id; a second upsert with the same id replaces
	// vector and metadata.
	Upsert(ctx context.Context, records ...Record) error
	// Get returns stored records for existing ids only, in request order;
	// missing ids are silently omitted.
	Get(ctx context.Context, ids ...string) ([]Record, error)
	// All returns every record in insertion order (bulk read for dedup-set
	// construction).
	All(ctx context.Context) ([]Record, error)
	// Query returns at most k nearest neighbors by cosine distance,
	// nearest first. Ties keep insertion order.
	Query(ctx context.Context, vector []float32, k int) ([]Result, error)
	// Delete removes records by id; absent ids are a no-op.
	Delete(ctx context.Context, ids ...string) error
	// Count returns the number of stored records.
	Count() int
}
