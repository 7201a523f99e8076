// Package imagemeta extracts file metadata, pixel dimensions, and EXIF data from image files.
package imagemeta

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	// Registered decoders for the supported image formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/hyperjump/mieru/internal/imageid"
	"github.com/hyperjump/mieru/internal/models"
)

// SupportedExtensions are the image file extensions the indexer recognizes.
var SupportedExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp"}

// SupportedExtension reports whether path has a recognized image extension (case-insensitive).
func SupportedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Extract stats the file at absPath and returns an ImageRecord with identity,
// file metadata, pixel dimensions, and EXIF data filled in. The embedding and
// last-indexed timestamp are left for the indexer. Dimension or EXIF decode
// failures degrade to stat-only metadata; only a failed stat is an error.
func Extract(absPath string) (*models.ImageRecord, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	rec := &models.ImageRecord{
		ID:       imageid.FromPath(absPath),
		Filename: filepath.Base(absPath),
		Path:     absPath,
		Size:     info.Size(),
		// File creation time is not portable; modification time stands in.
		CreatedAt:  info.ModTime(),
		ModifiedAt: info.ModTime(),
	}
	if w, h, err := decodeDimensions(absPath); err == nil {
		rec.Width, rec.Height = w, h
	}
	if fields, err := extractEXIF(absPath); err == nil && len(fields) > 0 {
		rec.EXIF = fields
	}
	return rec, nil
}

// Decode reads and decodes a full image from r using the registered decoders.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Open decodes the image file at path.
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func decodeDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

type exifWalker struct {
	fields map[string]string
}

func (w *exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	w.fields[string(name)] = tag.String()
	return nil
}

func extractEXIF(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	x, err := exif.Decode(f)
	if err != nil {
		return nil, err
	}
	w := &exifWalker{fields: make(map[string]string)}
	if err := x.Walk(w); err != nil {
		return nil, err
	}
	return w.fields, nil
}
