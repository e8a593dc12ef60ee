//go:build darwin

package storage

import (
	"bytes"
	"fmt"
	"syscall"
)

func probeMount(path string) (mountKind, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return mountKind{}, fmt.Errorf("statfs %q: %w", path, err)
	}
	raw := make([]byte, 0, len(st.Fstypename))
	for _, c := range st.Fstypename {
		raw = append(raw, byte(c))
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return classifyMount(string(raw)), nil
}
