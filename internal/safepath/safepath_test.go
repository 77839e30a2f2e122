// Copyright 2025 James Ross
package safepath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFileHappyPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "plugin.js"), []byte("hi"), 0o644))

	data, err := ReadFile(dir, "sub/plugin.js")
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))
}

func TestReadFileRejectsTraversalWithoutTouchingDisk(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadFile(dir, "../evil.js")
	require.ErrorIs(t, err, ErrUnsafePath)
}

func TestReadFileRejectsAbsolute(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadFile(dir, "/etc/passwd")
	require.ErrorIs(t, err, ErrUnsafePath)
}

func TestReadFileRejectsSymlinkLeaf(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.js")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))
	link := filepath.Join(dir, "link.js")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := ReadFile(dir, "link.js")
	require.Error(t, err)
}

func TestReadFileRejectsSymlinkInteriorComponent(t *testing.T) {
	dir := t.TempDir()
	realDir := filepath.Join(dir, "real")
	require.NoError(t, os.MkdirAll(realDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(realDir, "plugin.js"), []byte("hi"), 0o644))
	linkDir := filepath.Join(dir, "linked")
	if err := os.Symlink(realDir, linkDir); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := ReadFile(dir, "linked/plugin.js")
	require.Error(t, err)
}
