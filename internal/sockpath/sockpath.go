// Package sockpath manages the filesystem paths backing Unix datagram
// endpoints: auto-generated names under a shared scratch directory and
// removal of stale socket files before rebinding.
package sockpath

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	// scratchDir is created under the platform temp directory. Sockets
	// left behind by a crashed collector are cleaned up at boot.
	scratchDir = "procbeat"

	serverPrefix = "server"

	tokenBytes = 6
)

// Exists reports whether path refers to an existing filesystem entry.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SafeRemove unlinks path and reports whether the unlink happened.
func SafeRemove(path string) bool {
	return os.Remove(path) == nil
}

// Random synthesizes a collision-resistant socket path of the form
// <tmp>/procbeat/server.<token>, creating the scratch directory when
// missing. The naming scheme follows the Emacs server convention.
func Random() (string, error) {
	dir := filepath.Join(os.TempDir(), scratchDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create scratch dir %s: %w", dir, err)
	}
	if err := Writable(dir); err != nil {
		return "", err
	}

	var raw [tokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate socket token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw[:])

	return filepath.Join(dir, serverPrefix+"."+token), nil
}

// Writable verifies the calling process may create entries in dir.
func Writable(dir string) error {
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fmt.Errorf("scratch dir %s not writable: %w", dir, err)
	}
	return nil
}
