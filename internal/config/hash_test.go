package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLockFixture(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLockDryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	writeLockFixture(t, dir, FileName, "service:\n  name: test\n")

	report, err := Lock(dir, LockedFiles, true)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if report.Written {
		t.Fatal("dry-run reported a written manifest")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Present || report.Files[0].Hash == "" {
		t.Fatalf("config.yaml should be hashed: %+v", report.Files[0])
	}
	if report.Files[1].Present || report.Files[1].Hash != "" {
		t.Fatalf("absent catalog.yaml should be skipped: %+v", report.Files[1])
	}
	if IsLocked(dir) {
		t.Fatal("dry-run must not write the manifest")
	}
}

func TestLockWritesManifest(t *testing.T) {
	dir := t.TempDir()
	writeLockFixture(t, dir, FileName, "service:\n  name: test\n")
	writeLockFixture(t, dir, CatalogFileName, "routes: []\n")

	report, err := Lock(dir, LockedFiles, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !report.Written || report.ManifestPath != filepath.Join(dir, ManifestName) {
		t.Fatalf("unexpected report: %+v", report)
	}

	m, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest() failed: %v", err)
	}
	for _, f := range report.Files {
		if m.Hashes[f.Name] != f.Hash {
			t.Errorf("manifest hash for %s = %q, want %q", f.Name, m.Hashes[f.Name], f.Hash)
		}
	}
	if err := Verify(dir, LockedFiles); err != nil {
		t.Fatalf("Verify() right after Lock() failed: %v", err)
	}
}

func TestHashFileIsStable(t *testing.T) {
	dir := t.TempDir()
	writeLockFixture(t, dir, "a", "same")
	writeLockFixture(t, dir, "b", "same")
	writeLockFixture(t, dir, "c", "different")

	a, _ := HashFile(filepath.Join(dir, "a"))
	b, _ := HashFile(filepath.Join(dir, "b"))
	c, _ := HashFile(filepath.Join(dir, "c"))
	if a != b || a == c || len(a) != 64 {
		t.Fatalf("unexpected digests: %q %q %q", a, b, c)
	}
	if _, err := HashFile(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("HashFile() on a missing file should fail")
	}
}

func TestVerifyUnlocked(t *testing.T) {
	if err := Verify(t.TempDir(), LockedFiles); !errors.Is(err, ErrUnlocked) {
		t.Fatalf("Verify() = %v, want ErrUnlocked", err)
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, dir string)
		want   string
	}{
		{
			name:   "edited config",
			mutate: func(t *testing.T, dir string) { writeLockFixture(t, dir, FileName, "service:\n  name: edited\n") },
			want:   "config.yaml changed since it was locked",
		},
		{
			name:   "catalog added after lock",
			mutate: func(t *testing.T, dir string) { writeLockFixture(t, dir, CatalogFileName, "routes: []\n") },
			want:   "catalog.yaml is not covered by the lock",
		},
		{
			name: "config removed",
			mutate: func(t *testing.T, dir string) {
				if err := os.Remove(filepath.Join(dir, FileName)); err != nil {
					t.Fatal(err)
				}
			},
			want: "config.yaml is locked but missing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeLockFixture(t, dir, FileName, "service:\n  name: test\n")
			if _, err := Lock(dir, LockedFiles, false); err != nil {
				t.Fatalf("Lock() failed: %v", err)
			}

			tt.mutate(t, dir)

			err := Verify(dir, LockedFiles)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Verify() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestReadManifestRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	writeLockFixture(t, dir, ManifestName, "version: 9\nhashes: {}\n")
	if _, err := ReadManifest(dir); err == nil || !strings.Contains(err.Error(), "unsupported manifest version") {
		t.Fatalf("ReadManifest() = %v, want version error", err)
	}
}
