//go:build !linux && !(windows && (amd64 || arm64))
// +build !linux
// +build !windows !amd64,!arm64

package process

import (
	"errors"

	"github.com/srodi/procpulse/pkg/types"
)

var errUnsupported = errors.New("process enumeration requires linux or 64-bit windows")

// Enumerator is a placeholder on unsupported platforms.
type Enumerator struct{}

// NewEnumerator returns an error because no process source exists on this platform.
func NewEnumerator() (*Enumerator, error) {
	return nil, errUnsupported
}

// Enumerate always fails on unsupported platforms.
func (e *Enumerator) Enumerate() ([]types.ProcessRecord, error) {
	return nil, errUnsupported
}

// Reset does nothing on unsupported platforms.
func (e *Enumerator) Reset() {}

// Close is a no-op stub.
func (e *Enumerator) Close() error {
	return nil
}
