//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type values for the network filesystems in networkMounts.
var linuxMountMagic = map[uint32]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x00C36400: "ceph",
	0x5346414F: "afs",
	0x01021997: "9p",
}

func probeMount(path string) (mountKind, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return mountKind{}, fmt.Errorf("statfs %q: %w", path, err)
	}
	magic := uint32(st.Type)
	if name, ok := linuxMountMagic[magic]; ok {
		return classifyMount(name), nil
	}
	return mountKind{Name: fmt.Sprintf("0x%x", magic)}, nil
}
