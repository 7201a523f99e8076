//go:build !cgo
// +build !cgo

package embedding

import (
	"errors"

	"github.com/hyperjump/mieru/internal/config"
)

var errNoCGO = errors.New("ONNX encoders require CGO; build with CGO_ENABLED=1 and onnxruntime")

func loadONNXTextEncoder(tier config.TierModels, cfg *config.EmbeddingConfig) (TextEncoder, error) {
	return nil, errNoCGO
}

func loadONNXImageEncoder(tier config.TierModels, cfg *config.EmbeddingConfig) (ImageEncoder, error) {
	return nil, errNoCGO
}
