// Package imageid provides a deterministic image record ID from a file path.
package imageid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const prefix = "img_"

// FromPath returns a stable record ID for the given absolute path.
// Same path always yields the same ID, so re-scans recognize existing files
// without re-reading content. Two files with identical content at different
// paths get distinct IDs.
func FromPath(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:])
}
