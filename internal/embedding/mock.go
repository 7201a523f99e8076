package embedding

import (
	"context"
	"image"
	"math"
)

// MockTextEncoder is a deterministic text encoder for tests. It returns a
// fixed-dimension unit vector derived from the text hash so that the same
// text always gets the same embedding.
type MockTextEncoder struct {
	dimensions int
}

// NewMockTextEncoder returns a deterministic text encoder of the given dimensions.
func NewMockTextEncoder(dimensions int) *MockTextEncoder {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &MockTextEncoder{dimensions: dimensions}
}

// Encode returns a deterministic embedding based on the text hash.
func (e *MockTextEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	return hashEmbedding(hashString(text), e.dimensions), nil
}

// Dimensions returns the embedding dimension.
func (e *MockTextEncoder) Dimensions() int { return e.dimensions }

// Close is a no-op for MockTextEncoder.
func (e *MockTextEncoder) Close() error { return nil }

// MockImageEncoder is a deterministic image encoder for tests. The embedding
// derives from the image's bounds and a sample of its pixels, so identical
// pixel data always maps to the same vector.
type MockImageEncoder struct {
	dimensions int
}

// NewMockImageEncoder returns a deterministic image encoder of the given dimensions.
func NewMockImageEncoder(dimensions int) *MockImageEncoder {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &MockImageEncoder{dimensions: dimensions}
}

// Encode returns a deterministic embedding based on sampled pixel values.
func (e *MockImageEncoder) Encode(ctx context.Context, img image.Image) ([]float32, error) {
	b := img.Bounds()
	h := b.Dx()*31 + b.Dy()
	step := b.Dx() / 8
	if step < 1 {
		step = 1
	}
	for x := b.Min.X; x < b.Max.X; x += step {
		for y := b.Min.Y; y < b.Max.Y; y += step {
			r, g, bl, _ := img.At(x, y).RGBA()
			h = 31*h + int(r>>8) + int(g>>8)*7 + int(bl>>8)*13
		}
	}
	if h < 0 {
		h = -h
	}
	return hashEmbedding(h, e.dimensions), nil
}

// Dimensions returns the embedding dimension.
func (e *MockImageEncoder) Dimensions() int { return e.dimensions }

// Close is a no-op for MockImageEncoder.
func (e *MockImageEncoder) Close() error { return nil }

// hashEmbedding spreads a hash over a unit vector.
func hashEmbedding(h, dimensions int) []float32 {
	emb := make([]float32, dimensions)
	for i := 0; i < dimensions; i++ {
		emb[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	var sum float64
	for _, v := range emb {
		sum += float64(v * v)
	}
	if sum > 0 {
		norm := 1.0 / math.Sqrt(sum)
		for i := range emb {
			emb[i] *= float32(norm)
		}
	}
	return emb
}

func hashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
