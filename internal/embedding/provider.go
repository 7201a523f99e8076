package embedding

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/mieru/internal/config"
	"github.com/hyperjump/mieru/internal/models"
	"github.com/hyperjump/mieru/pkg/utils"
)

type modality string

const (
	modalityText  modality = "text"
	modalityImage modality = "image"
)

// encoderKey identifies one cached model: which modality and which tier.
type encoderKey struct {
	modality modality
	tier     models.Tier
}

// TextLoader loads a text encoder for one tier's model.
type TextLoader func(tier config.TierModels, cfg *config.EmbeddingConfig) (TextEncoder, error)

// ImageLoader loads an image encoder for one tier's model.
type ImageLoader func(tier config.TierModels, cfg *config.EmbeddingConfig) (ImageEncoder, error)

// Provider embeds text and images at selectable quality tiers. Models are
// loaded lazily on first use and cached by (modality, tier); a cache entry
// is replaced wholesale on reload so in-flight calls keep their encoder.
type Provider struct {
	cfg       *config.EmbeddingConfig
	loadText  TextLoader
	loadImage ImageLoader
	textCache *EmbeddingCache

	mu       sync.Mutex
	encoders map[encoderKey]interface{}

	logger *zap.Logger // optional; when set, logs model loads
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets a logger for debug output (model loads, cache hits).
func WithLogger(l *zap.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithLoaders overrides the encoder loaders (used by tests to inject mocks).
func WithLoaders(text TextLoader, img ImageLoader) ProviderOption {
	return func(p *Provider) {
		p.loadText = text
		p.loadImage = img
	}
}

// NewProvider creates a provider over the configured tiers. The default
// loaders build ONNX encoders from the tier's model paths.
func NewProvider(cfg *config.EmbeddingConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		cfg:       cfg,
		loadText:  loadONNXTextEncoder,
		loadImage: loadONNXImageEncoder,
		textCache: NewEmbeddingCache(cfg.CacheSize),
		encoders:  make(map[encoderKey]interface{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EmbedText returns the embedding for text at the given tier.
// Deterministic for identical input and tier. Fails with ErrModelUnavailable
// when the tier's text model cannot be loaded or run.
func (p *Provider) EmbedText(ctx context.Context, text string, tier models.Tier) ([]float32, error) {
	cacheKey := string(tier) + "\x00" + text
	if emb, ok := p.textCache.Get(cacheKey); ok {
		return emb, nil
	}
	enc, err := p.textEncoder(tier)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	emb, err := enc.Encode(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: encode text (tier %s): %v", ErrModelUnavailable, tier, err)
	}
	p.textCache.Set(cacheKey, emb)
	return emb, nil
}

// EmbedImage returns the embedding for a decoded image at the given tier.
// The caller is responsible for decoding; this never touches the filesystem.
func (p *Provider) EmbedImage(ctx context.Context, img image.Image, tier models.Tier) ([]float32, error) {
	if img == nil {
		return nil, ErrEmptyInput
	}
	enc, err := p.imageEncoder(tier)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	emb, err := enc.Encode(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%w: encode image (tier %s): %v", ErrModelUnavailable, tier, err)
	}
	return emb, nil
}

// Dimensions returns the configured embedding dimension.
func (p *Provider) Dimensions() int {
	return p.cfg.Dimensions
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := p.cfg.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

func (p *Provider) tierModels(tier models.Tier) (config.TierModels, error) {
	tm, ok := p.cfg.Tiers[string(tier)]
	if !ok {
		return config.TierModels{}, fmt.Errorf("%w: no models configured for tier %q", ErrModelUnavailable, tier)
	}
	return tm, nil
}

func (p *Provider) textEncoder(tier models.Tier) (TextEncoder, error) {
	key := encoderKey{modalityText, tier}
	p.mu.Lock()
	defer p.mu.Unlock()
	if enc, ok := p.encoders[key]; ok {
		return enc.(TextEncoder), nil
	}
	tm, err := p.tierModels(tier)
	if err != nil {
		return nil, err
	}
	if p.logger != nil {
		p.logger.Debug("loading text encoder", zap.String("tier", string(tier)), zap.String("model", tm.TextModelPath))
	}
	enc, err := p.loadText(tm, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: load text model (tier %s): %v", ErrModelUnavailable, tier, err)
	}
	p.encoders[key] = enc
	return enc, nil
}

func (p *Provider) imageEncoder(tier models.Tier) (ImageEncoder, error) {
	key := encoderKey{modalityImage, tier}
	p.mu.Lock()
	defer p.mu.Unlock()
	if enc, ok := p.encoders[key]; ok {
		return enc.(ImageEncoder), nil
	}
	tm, err := p.tierModels(tier)
	if err != nil {
		return nil, err
	}
	if p.logger != nil {
		p.logger.Debug("loading image encoder", zap.String("tier", string(tier)), zap.String("model", tm.ImageModelPath))
	}
	enc, err := p.loadImage(tm, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: load image model (tier %s): %v", ErrModelUnavailable, tier, err)
	}
	p.encoders[key] = enc
	return enc, nil
}

// Close releases every loaded encoder.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, enc := range p.encoders {
		var err error
		switch e := enc.(type) {
		case TextEncoder:
			err = e.Close()
		case ImageEncoder:
			err = e.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.encoders, key)
	}
	return firstErr
}

// Fuse combines embeddings into one comparable vector: element-wise mean
// followed by L2 normalization. Fusing a single vector returns it unchanged;
// fusing zero vectors fails with ErrEmptyInput.
func Fuse(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyInput
	}
	dim := len(vectors[0])
	if len(vectors) == 1 {
		out := make([]float32, dim)
		copy(out, vectors[0])
		return out, nil
	}
	for _, v := range vectors[1:] {
		if len(v) != dim {
			return nil, fmt.Errorf("fuse: dimension mismatch: %d vs %d", len(v), dim)
		}
	}
	out := make([]float32, dim)
	for _, v := range vectors {
		for i, x := range v {
			out[i] += x
		}
	}
	n := float32(len(vectors))
	for i := range out {
		out[i] /= n
	}
	utils.NormalizeL2(out)
	return out, nil
}
