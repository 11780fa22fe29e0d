// Package pathutil converts between the bridge's internal path and URI
// representations.
//
// Architecture Pattern:
// The bridge uses absolute paths internally for consistency; the wire
// protocols speak file URIs and user-facing output prefers relative paths.
// This package is the conversion layer between those representations.
package pathutil

import (
	"path/filepath"
	"strings"

	"go.lsp.dev/uri"
)

// ToURI converts an absolute file path to a file:// URI.
func ToURI(path string) uri.URI {
	return uri.File(path)
}

// FromURI converts a file:// URI back to an absolute file path.
// Non-URI input (a bare path pushed by older peers) passes through cleaned.
func FromURI(raw string) string {
	if !strings.HasPrefix(raw, "file://") {
		return filepath.Clean(raw)
	}
	return uri.URI(raw).Filename()
}

// ToRelative converts an absolute path to relative based on a root directory.
// Falls back to the original path if conversion fails, the path is already
// relative, or the path lies outside the root.
func ToRelative(absPath, rootDir string) string {
	if absPath == "" || rootDir == "" {
		return absPath
	}
	if !filepath.IsAbs(absPath) {
		return absPath
	}

	absPath = filepath.Clean(absPath)
	rootDir = filepath.Clean(rootDir)

	relPath, err := filepath.Rel(rootDir, absPath)
	if err != nil {
		return absPath
	}
	if strings.HasPrefix(relPath, "..") {
		return absPath
	}
	return relPath
}
