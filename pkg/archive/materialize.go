// Package archive writes retrieved payloads to their final archive
// location: deterministic paths, streamed SHA-256, atomic rename.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/tgvault/tgvault/pkg/errors"
	"github.com/tgvault/tgvault/pkg/retrieval"
)

// maxNameSegment caps sanitized title and filename segments.
const maxNameSegment = 64

// SanitizeName strips a display title or filename down to letters,
// digits and the safe symbols ._- so it can appear in a path segment.
// Spaces become underscores, runs of underscores collapse, and the
// result is truncated to max runes with the extension preserved when
// it is short.
func SanitizeName(name string, max int) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	name = b.String()
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	name = strings.Trim(name, "_.")

	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	if dot := strings.LastIndex(name, "."); dot > 0 {
		ext := name[dot+1:]
		if len(ext) <= 10 {
			base := []rune(name[:dot])
			keep := max - len([]rune(ext)) - 1
			if keep > 0 && keep < len(base) {
				return string(base[:keep]) + "." + ext
			}
		}
	}
	return string(runes[:max])
}

// Layout maps file provenance to deterministic archive paths under a
// single root directory.
type Layout struct {
	Root string
}

// FilePath returns the final archive path for a piece of content:
// <root>/<source_kind>/<source_id>_<sanitized_title>/<content_id>__<sanitized_name>.
// It is a pure function of its inputs, so re-materializing the same
// file always targets the same path.
func (l Layout) FilePath(sourceKind string, sourceChatID int64, title, contentID, originalName string) string {
	if sourceKind == "" {
		sourceKind = "unknown"
	}
	dirName := fmt.Sprintf("%d", sourceChatID)
	if t := SanitizeName(title, maxNameSegment); t != "" {
		dirName = fmt.Sprintf("%d_%s", sourceChatID, t)
	}

	fileName := contentID + ".bin"
	if n := SanitizeName(originalName, maxNameSegment); n != "" {
		fileName = contentID + "__" + n
	}

	return filepath.Join(l.Root, sourceKind, dirName, fileName)
}

// Result describes a completed materialization.
type Result struct {
	Path   string
	Size   int64
	SHA256 string
}

// Materializer writes payload bytes to the archive.
type Materializer struct {
	layout Layout
}

// NewMaterializer creates a materializer rooted at the layout's
// directory.
func NewMaterializer(layout Layout) *Materializer {
	return &Materializer{layout: layout}
}

// Layout exposes the path layout for callers that need the final path
// without writing anything.
func (m *Materializer) Layout() Layout {
	return m.layout
}

// Materialize streams body to finalPath via a temporary sibling file,
// computing the SHA-256 digest on the way. The rename to finalPath
// happens only after the write completed fully and, when declaredSize
// is positive, matched it; no external reader ever observes a partial
// file. On failure the temporary artifact is removed.
func (m *Materializer) Materialize(finalPath string, body io.Reader, declaredSize int64) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create archive directory")
	}

	tmpPath := finalPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temp file")
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, retrieval.NewFailure(retrieval.KindIntegrity, "write payload: %v", err)
	}

	if declaredSize > 0 && size != declaredSize {
		os.Remove(tmpPath)
		slog.Warn("materialize_size_mismatch", "path", finalPath, "declared", declaredSize, "actual", size)
		return nil, retrieval.NewFailure(retrieval.KindSizeMismatch,
			"declared %d bytes, received %d", declaredSize, size)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, errors.Wrap(err, "failed to finalize file")
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	slog.Info("materialized", "path", finalPath, "size", size, "sha256", digest[:16]+"...")
	return &Result{Path: finalPath, Size: size, SHA256: digest}, nil
}

// Verify reports whether path exists as a regular file and, when
// expectedSize is positive, has that exact size. Used to re-check a
// DOWNLOADED file on disk before trusting its cached status.
func Verify(path string, expectedSize int64) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if expectedSize > 0 && info.Size() != expectedSize {
		slog.Warn("verify_size_mismatch", "path", path, "expected", expectedSize, "actual", info.Size())
		return false
	}
	return true
}
