// Copyright 2025 James Ross
//go:build unix

package safepath

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// readFileNoFollow opens base with O_NOFOLLOW, then chains openat(2) calls
// with O_NOFOLLOW|O_DIRECTORY for every interior component and a final
// O_NOFOLLOW open for the leaf file, reading its contents from the
// resulting descriptor. ELOOP from any step maps to ErrSymlinkRejected.
func readFileNoFollow(base string, parts []string) ([]byte, error) {
	fd, err := openNoFollow(base, parts)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), base)
	defer f.Close()
	return io.ReadAll(f)
}

// openNoFollow performs the openat chain and returns an open fd for the
// final component, never dereferencing a symlink.
func openNoFollow(base string, parts []string) (int, error) {
	dirFd, err := unix.Open(base, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, mapOpenErr(err, base)
	}
	defer func() {
		if dirFd >= 0 {
			unix.Close(dirFd)
		}
	}()

	for i, part := range parts[:len(parts)-1] {
		next, err := unix.Openat(dirFd, part, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, mapOpenErr(err, part)
		}
		unix.Close(dirFd)
		dirFd = next
		_ = i
	}

	leaf := parts[len(parts)-1]
	fileFd, err := unix.Openat(dirFd, leaf, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, mapOpenErr(err, leaf)
	}
	return fileFd, nil
}

func mapOpenErr(err error, component string) error {
	if err == unix.ELOOP {
		return fmt.Errorf("%w: %s", ErrSymlinkRejected, component)
	}
	return fmt.Errorf("safepath: open %s: %w", component, err)
}

// resolvePathNoFollow verifies the chain with the same openat discipline
// then reconstructs the absolute path for the deprecated path-returning API.
func resolvePathNoFollow(base string, parts []string) (string, error) {
	fd, err := openNoFollow(base, parts)
	if err != nil {
		return "", err
	}
	unix.Close(fd)
	full := base
	for _, p := range parts {
		full = full + string(os.PathSeparator) + p
	}
	return full, nil
}
