// Package embedding provides tiered text and image embedding with a process-wide model cache.
package embedding

import (
	"context"
	"errors"
	"image"
)

// ErrModelUnavailable indicates the selected tier's model could not be loaded or run.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// ErrEmptyInput indicates a request with no embeddable content.
var ErrEmptyInput = errors.New("no embeddable input")

// TextEncoder produces vector embeddings for text. Vectors are only
// comparable with vectors produced by the same model.
type TextEncoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Close() error
}

// ImageEncoder produces vector embeddings for decoded images.
type ImageEncoder interface {
	Encode(ctx context.Context, img image.Image) ([]float32, error)
	Dimensions() int
	Close() error
}
