// Package cli provides output formatting for the Mieru command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/mieru/internal/models"
	"github.com/hyperjump/mieru/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates an output format flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// WriteSearchResults writes a search response to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", len(response.Results), response.QueryTime)
	if len(response.Primary) > 0 || len(response.Related) > 0 {
		if len(response.Primary) > 0 {
			fmt.Fprintln(w, "--- Primary matches ---")
			for i, result := range response.Primary {
				writeOneResult(w, i+1, result)
			}
		}
		if len(response.Related) > 0 {
			fmt.Fprintln(w, "--- Related ---")
			for i, result := range response.Related {
				writeOneResult(w, len(response.Primary)+i+1, result)
			}
		}
		return nil
	}
	for i, result := range response.Results {
		writeOneResult(w, i+1, result)
	}
	return nil
}

func writeOneResult(w io.Writer, rank int, result *models.SearchResult) {
	marker := ""
	if !result.Exists {
		marker = "  (missing)"
	}
	fmt.Fprintf(w, "%3d. %.4f  %s%s\n", rank, result.Score, result.Image.Path, marker)
	if result.Image.Width > 0 && result.Image.Height > 0 {
		fmt.Fprintf(w, "     %dx%d, %d bytes\n", result.Image.Width, result.Image.Height, result.Image.Size)
	}
}

// WriteSessions writes a session list to w in the given format.
func WriteSessions(w io.Writer, sessions []*models.Session, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, sessions)
	}
	for _, sess := range sessions {
		name := sess.Name
		if name == "" {
			name = sess.PreviewName()
		}
		fmt.Fprintf(w, "%s  %s  (%d queries, updated %s)\n",
			sess.ID, utils.Truncate(name, 40), len(sess.Queries),
			sess.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

// WriteProfiles writes a profile list to w in the given format.
func WriteProfiles(w io.Writer, profiles []*models.Profile, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, profiles)
	}
	for _, p := range profiles {
		marker := ""
		if p.IsDefault {
			marker = " *"
		}
		fmt.Fprintf(w, "%s  %s%s  (%d folders, tier %s)\n",
			p.ID, p.Name, marker,
			len(p.Settings.MonitoredFolders), p.Settings.ModelTier)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
