// Copyright 2025 James Ross
//go:build !unix

package safepath

import (
	"fmt"
	"os"
	"path/filepath"
)

// readFileNoFollow pre-checks every component's symlink metadata with
// os.Lstat before opening. This is a weaker guarantee than the POSIX
// openat chain: a symlink could in principle be swapped in between the
// Lstat check and the final Open on platforms without O_NOFOLLOW support.
func readFileNoFollow(base string, parts []string) ([]byte, error) {
	full, err := resolvePathNoFollow(base, parts)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func resolvePathNoFollow(base string, parts []string) (string, error) {
	cur := base
	if info, err := os.Lstat(cur); err != nil {
		return "", fmt.Errorf("safepath: stat %s: %w", cur, err)
	} else if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s", ErrSymlinkRejected, cur)
	}
	for _, part := range parts {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			return "", fmt.Errorf("safepath: stat %s: %w", cur, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s", ErrSymlinkRejected, cur)
		}
	}
	return cur, nil
}
