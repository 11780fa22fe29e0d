package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gderrors "github.com/standardbeagle/gdbridge/internal/errors"
)

func newTestValidator(t *testing.T) (*PathValidator, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scripts"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "player.gd"), []byte("extends Node\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "enemy.gd"), []byte("extends Node\n"), 0644))

	v := NewPathValidator(root)
	return v, v.Root()
}

func TestValidatePathInsideRoot(t *testing.T) {
	v, root := newTestValidator(t)

	abs, err := v.ValidatePath("player.gd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "player.gd"), abs)

	abs, err = v.ValidatePath(filepath.Join(root, "scripts", "enemy.gd"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "scripts", "enemy.gd"), abs)
}

func TestValidatePathResolvableDotDotInsideRoot(t *testing.T) {
	v, root := newTestValidator(t)

	// scripts/../player.gd resolves inside the root and is accepted.
	abs, err := v.ValidatePath(filepath.Join("scripts", "..", "player.gd"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "player.gd"), abs)
}

func TestValidatePathTraversalRejected(t *testing.T) {
	v, _ := newTestValidator(t)

	_, err := v.ValidatePath(filepath.Join("..", "..", "etc", "passwd"))
	require.Error(t, err)
	var perr *gderrors.PathError
	assert.ErrorAs(t, err, &perr)
}

func TestValidatePathAbsoluteOutsideRootRejected(t *testing.T) {
	v, _ := newTestValidator(t)
	outside := t.TempDir()

	_, err := v.ValidatePath(filepath.Join(outside, "other.gd"))
	require.Error(t, err)
	var perr *gderrors.PathError
	assert.ErrorAs(t, err, &perr)
}

func TestValidatePathParentOfRootRejected(t *testing.T) {
	v, root := newTestValidator(t)

	_, err := v.ValidatePath(filepath.Dir(root))
	assert.Error(t, err)
}

func TestValidatePathEmpty(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.ValidatePath("")
	assert.Error(t, err)
}

func TestValidatePathNoRoot(t *testing.T) {
	v := &PathValidator{}
	_, err := v.ValidatePath("player.gd")
	assert.Error(t, err)
}

func TestValidateScriptPathExtension(t *testing.T) {
	v, _ := newTestValidator(t)

	_, err := v.ValidateScriptPath("notes.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".gd")

	_, err = v.ValidateScriptPath("player.gd")
	assert.NoError(t, err)

	// Extension match is case-insensitive.
	_, err = v.ValidateScriptPath("PLAYER.GD")
	assert.NoError(t, err)
}

func TestValidatePathNonexistentFileInsideRoot(t *testing.T) {
	v, root := newTestValidator(t)

	// A path that does not exist yet is still validated against the root.
	abs, err := v.ValidatePath("new_script.gd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "new_script.gd"), abs)
}
