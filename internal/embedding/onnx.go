//go:build cgo
// +build cgo

// Package embedding: ONNX-based CLIP encoders (require CGO and the onnxruntime library).
package embedding

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"github.com/hyperjump/mieru/internal/config"
	"github.com/hyperjump/mieru/pkg/utils"
)

func loadONNXTextEncoder(tier config.TierModels, cfg *config.EmbeddingConfig) (TextEncoder, error) {
	return NewONNXTextEncoder(tier.TextModelPath, cfg.Dimensions, cfg.MaxTokens)
}

func loadONNXImageEncoder(tier config.TierModels, cfg *config.EmbeddingConfig) (ImageEncoder, error) {
	return NewONNXImageEncoder(tier.ImageModelPath, cfg.Dimensions)
}

// CLIP byte-pair vocabulary bounds used by the fallback tokenizer.
const (
	clipStartToken = 49406
	clipEndToken   = 49407
	clipVocabSize  = 49408
)

// ONNXTextEncoder runs a CLIP text tower exported to ONNX.
type ONNXTextEncoder struct {
	session    *ort.AdvancedSession
	dimensions int
	maxTokens  int
	// Pre-allocated tensors for Run(); we update input data and read output.
	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
	mu                  sync.Mutex
}

// NewONNXTextEncoder creates a text encoder from modelPath.
// InitializeEnvironment is called if not already done.
func NewONNXTextEncoder(modelPath string, dimensions, maxTokens int) (*ONNXTextEncoder, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	if maxTokens <= 0 {
		maxTokens = 77
	}

	inputIDsTensor, err := ort.NewTensor(ort.NewShape(1, int64(maxTokens)), make([]int64, maxTokens))
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	attentionMaskTensor, err := ort.NewTensor(ort.NewShape(1, int64(maxTokens)), make([]int64, maxTokens))
	if err != nil {
		inputIDsTensor.Destroy()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(dimensions)), make([]float32, dimensions))
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"text_embeds"},
		[]ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ONNXTextEncoder{
		session:             session,
		dimensions:          dimensions,
		maxTokens:           maxTokens,
		inputIDsTensor:      inputIDsTensor,
		attentionMaskTensor: attentionMaskTensor,
		outputTensor:        outputTensor,
	}, nil
}

// Encode tokenizes text and runs the text tower. The returned vector is L2-normalized.
func (e *ONNXTextEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.inputIDsTensor.GetData()
	mask := e.attentionMaskTensor.GetData()
	tokenize(text, ids, mask)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("text inference failed: %w", err)
	}
	out := make([]float32, e.dimensions)
	copy(out, e.outputTensor.GetData())
	utils.NormalizeL2(out)
	return out, nil
}

// tokenize fills padded token ids and attention mask for a CLIP-style
// sequence: start token, hashed word ids, end token, zero padding.
func tokenize(text string, ids, mask []int64) {
	for i := range ids {
		ids[i] = 0
		mask[i] = 0
	}
	ids[0] = clipStartToken
	mask[0] = 1
	pos := 1
	for _, word := range splitWords(text) {
		if pos >= len(ids)-1 {
			break
		}
		ids[pos] = int64(hashString(word)%(clipVocabSize-2)) + 1
		mask[pos] = 1
		pos++
	}
	ids[pos] = clipEndToken
	mask[pos] = 1
}

func splitWords(text string) []string {
	var words []string
	word := ""
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			if word != "" {
				words = append(words, word)
				word = ""
			}
		} else {
			word += string(r)
		}
	}
	if word != "" {
		words = append(words, word)
	}
	return words
}

// Dimensions returns the embedding dimension.
func (e *ONNXTextEncoder) Dimensions() int { return e.dimensions }

// Close destroys the session and tensors.
func (e *ONNXTextEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Destroy()
	e.inputIDsTensor.Destroy()
	e.attentionMaskTensor.Destroy()
	e.outputTensor.Destroy()
	return nil
}

const clipImageSize = 224

// CLIP preprocessing constants (per-channel mean and std over [0,1] pixels).
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// ONNXImageEncoder runs a CLIP vision tower exported to ONNX.
type ONNXImageEncoder struct {
	session      *ort.AdvancedSession
	dimensions   int
	pixelsTensor *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXImageEncoder creates an image encoder from modelPath.
func NewONNXImageEncoder(modelPath string, dimensions int) (*ONNXImageEncoder, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	pixels := make([]float32, 3*clipImageSize*clipImageSize)
	pixelsTensor, err := ort.NewTensor(ort.NewShape(1, 3, clipImageSize, clipImageSize), pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(dimensions)), make([]float32, dimensions))
	if err != nil {
		pixelsTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"pixel_values"},
		[]string{"image_embeds"},
		[]ort.ArbitraryTensor{pixelsTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		pixelsTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &ONNXImageEncoder{
		session:      session,
		dimensions:   dimensions,
		pixelsTensor: pixelsTensor,
		outputTensor: outputTensor,
	}, nil
}

// Encode preprocesses img (scale to 224x224, CLIP normalization) and runs
// the vision tower. The returned vector is L2-normalized.
func (e *ONNXImageEncoder) Encode(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	scaled := image.NewRGBA(image.Rect(0, 0, clipImageSize, clipImageSize))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)

	pixels := e.pixelsTensor.GetData()
	plane := clipImageSize * clipImageSize
	for y := 0; y < clipImageSize; y++ {
		for x := 0; x < clipImageSize; x++ {
			r, g, b, _ := scaled.At(x, y).RGBA()
			i := y*clipImageSize + x
			pixels[i] = (float32(r>>8)/255 - clipMean[0]) / clipStd[0]
			pixels[plane+i] = (float32(g>>8)/255 - clipMean[1]) / clipStd[1]
			pixels[2*plane+i] = (float32(b>>8)/255 - clipMean[2]) / clipStd[2]
		}
	}

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("image inference failed: %w", err)
	}
	out := make([]float32, e.dimensions)
	copy(out, e.outputTensor.GetData())
	utils.NormalizeL2(out)
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXImageEncoder) Dimensions() int { return e.dimensions }

// Close destroys the session and tensors.
func (e *ONNXImageEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Destroy()
	e.pixelsTensor.Destroy()
	e.outputTensor.Destroy()
	return nil
}
