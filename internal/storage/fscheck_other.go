//go:build !darwin && !linux

package storage

import "errors"

func probeMount(string) (mountKind, error) {
	return mountKind{}, errors.New("no mount probe on this platform")
}
