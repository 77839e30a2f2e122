// Copyright 2025 James Ross
// Package safepath reads files under a base directory without ever
// dereferencing a symlink anywhere along the path — there is no window
// between verifying a path is safe and using it (TOCTOU-hardened).
package safepath

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrSymlinkRejected is returned whenever any component of the requested
// path, or the base directory itself, turns out to be a symlink.
var ErrSymlinkRejected = errors.New("safepath: symlink rejected")

// ErrUnsafePath is returned for a relative path containing ".." or an
// absolute/root component.
var ErrUnsafePath = errors.New("safepath: unsafe relative path")

// splitComponents validates and splits a relative path into path
// components, rejecting "..", absolute paths, and empty segments.
func splitComponents(rel string) ([]string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return nil, ErrUnsafePath
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == "." || strings.HasPrefix(clean, "/") {
		return nil, ErrUnsafePath
	}
	parts := strings.Split(clean, "/")
	for _, p := range parts {
		if p == "" || p == ".." || p == "." {
			return nil, ErrUnsafePath
		}
	}
	return parts, nil
}

// ReadFile reads the contents of rel (relative to base) without
// dereferencing any symlink in the chain. It never returns a path for the
// caller to later re-open — only bytes — so there is no verify-then-use
// window.
func ReadFile(base, rel string) ([]byte, error) {
	parts, err := splitComponents(rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, rel)
	}
	return readFileNoFollow(base, parts)
}

// ResolveSymlinkFreePath returns the final absolute path after verifying no
// component along the way is a symlink.
//
// Deprecated: this reintroduces a TOCTOU window between verification and
// whatever the caller does with the returned path. Retained only for
// compatibility with call sites predating ReadFile; new code must use
// ReadFile instead.
func ResolveSymlinkFreePath(base, rel string) (string, error) {
	parts, err := splitComponents(rel)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, rel)
	}
	return resolvePathNoFollow(base, parts)
}
