package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// mountKind is what a platform probe learned about the filesystem under a
// path. Name is the driver name when known, else the raw magic in hex.
type mountKind struct {
	Name    string
	Network bool
}

type mountProbe func(path string) (mountKind, error)

// networkMounts are filesystems whose advisory locks sqlite cannot trust.
var networkMounts = map[string]bool{
	"9p":         true,
	"afpfs":      true,
	"afs":        true,
	"ceph":       true,
	"cifs":       true,
	"fuse.sshfs": true,
	"nfs":        true,
	"nfs4":       true,
	"smb2":       true,
	"smbfs":      true,
	"webdav":     true,
}

func classifyMount(name string) mountKind {
	name = strings.ToLower(strings.TrimSpace(name))
	return mountKind{Name: name, Network: networkMounts[name]}
}

// checkDatabaseMount refuses a state.path on a network mount. Leases and
// idempotency keys depend on sqlite locking.
func checkDatabaseMount(path string) error {
	return checkDatabaseMountWith(path, probeMount)
}

func checkDatabaseMountWith(path string, probe mountProbe) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	kind, err := probe(dir)
	if err != nil {
		// No probe on this platform.
		return nil
	}
	if kind.Network {
		return fmt.Errorf(
			"state.path %q is on %s, a network filesystem; SQLite requires a local filesystem for reliable locking, move state.path to local disk",
			path, kind.Name,
		)
	}
	return nil
}

// existingAncestor returns path, or its closest parent that exists. On first
// start neither the database nor its directory is there yet.
func existingAncestor(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}
