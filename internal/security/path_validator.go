// Package security validates file paths supplied by the upstream caller
// before anything is read from disk.
package security

import (
	"os"
	"path/filepath"
	"strings"

	gderrors "github.com/standardbeagle/gdbridge/internal/errors"
)

// ScriptExtension is the only source file extension the bridge operates on.
const ScriptExtension = ".gd"

// PathValidator canonicalizes candidate paths and rejects anything that
// escapes the workspace root, whether by traversal or by being absolute
// outside it.
type PathValidator struct {
	root string
}

// NewPathValidator creates a validator scoped to root. The root itself is
// cleaned and resolved through symlinks when it exists.
func NewPathValidator(root string) *PathValidator {
	resolved := filepath.Clean(root)
	if r, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = r
	}
	return &PathValidator{root: resolved}
}

// Root returns the workspace root this validator is scoped to.
func (v *PathValidator) Root() string {
	return v.root
}

// ValidatePath resolves path (relative paths are taken against the root),
// canonicalizes it, and ensures it lies within the workspace root. It
// returns the absolute canonical path.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", gderrors.NewPathError(path, v.root, "path is empty")
	}
	if v.root == "" {
		return "", gderrors.NewPathError(path, "", "no workspace root configured")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(v.root, abs)
	}
	abs = filepath.Clean(abs)

	// Resolve symlinks on the deepest existing ancestor so a link inside
	// the root cannot point outside it.
	if resolved, err := resolveExisting(abs); err == nil {
		abs = resolved
	}

	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return "", gderrors.NewPathError(path, v.root, "cannot be made relative to workspace root")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", gderrors.NewPathError(path, v.root, "escapes workspace root")
	}

	return abs, nil
}

// ValidateScriptPath is ValidatePath plus the script extension check.
func (v *PathValidator) ValidateScriptPath(path string) (string, error) {
	if !strings.EqualFold(filepath.Ext(path), ScriptExtension) {
		return "", gderrors.NewPathError(path, v.root, "not a "+ScriptExtension+" script")
	}
	return v.ValidatePath(path)
}

// resolveExisting resolves symlinks for the longest existing prefix of abs
// and rejoins the non-existing tail. A freshly created file path stays
// validatable even before the file exists.
func resolveExisting(abs string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return abs, nil
	}
	resolvedDir, err := resolveExisting(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}
