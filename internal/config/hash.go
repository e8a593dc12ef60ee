package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	// ManifestName is the checksum manifest kept beside a locked config.
	ManifestName = ".checksums"
	// CatalogFileName is an optional operator catalog that replaces the
	// built-in route catalog.
	CatalogFileName = "catalog.yaml"

	manifestVersion = 1
)

// LockedFiles are the files a config lock covers. Absent ones are skipped.
var LockedFiles = []string{FileName, CatalogFileName}

// ErrUnlocked is returned by Verify when the directory has no manifest.
var ErrUnlocked = errors.New("config directory is not locked")

// LockedFile is one file considered by Lock.
type LockedFile struct {
	Name    string
	Path    string
	Present bool
	Hash    string
}

// LockReport describes what Lock hashed and where the manifest went.
type LockReport struct {
	Dir          string
	ManifestPath string
	Written      bool
	Files        []LockedFile
}

// HashFile returns the hex BLAKE3-256 digest of a file.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// IsLocked reports whether dir carries a manifest.
func IsLocked(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ManifestName))
	return err == nil
}

// Lock hashes names under dir and, unless dryRun, writes the manifest.
func Lock(dir string, names []string, dryRun bool) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     manifestVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(names)),
	}
	report := &LockReport{
		Dir:          dir,
		ManifestPath: filepath.Join(dir, ManifestName),
		Files:        make([]LockedFile, 0, len(names)),
	}

	for _, name := range names {
		f := LockedFile{Name: name, Path: filepath.Join(dir, name)}
		if _, err := os.Stat(f.Path); errors.Is(err, os.ErrNotExist) {
			report.Files = append(report.Files, f)
			continue
		}
		hash, err := HashFile(f.Path)
		if err != nil {
			return nil, err
		}
		f.Present, f.Hash = true, hash
		manifest.Hashes[name] = hash
		report.Files = append(report.Files, f)
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(report.ManifestPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	report.Written = true
	return report, nil
}

// ReadManifest loads the manifest in dir. A missing manifest is ErrUnlocked.
func ReadManifest(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrUnlocked
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m ChecksumManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// Verify checks names under dir against the manifest. A file must be hashed
// exactly when it exists.
func Verify(dir string, names []string) error {
	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}

	for _, name := range names {
		path := filepath.Join(dir, name)
		want, hashed := m.Hashes[name]

		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if hashed {
				return fmt.Errorf("%s is locked but missing from %s", name, dir)
			}
			continue
		}
		if !hashed {
			return fmt.Errorf("%s is not covered by the lock; run: studiobridge config lock --config %s", name, dir)
		}

		got, err := HashFile(path)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%s changed since it was locked (expected %s, got %s); "+
				"if the edit was intended, run: studiobridge config lock --config %s", name, want, got, dir)
		}
	}
	return nil
}
