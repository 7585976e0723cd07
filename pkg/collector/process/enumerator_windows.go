//go:build windows && (amd64 || arm64)
// +build windows
// +build amd64 arm64

package process

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/srodi/procpulse/pkg/types"
)

// Enumerator walks the SystemProcessInformation list returned by NtQuerySystemInformation.
// It is not safe for concurrent use; the updater goroutine owns it.
type Enumerator struct {
	nt *ntEnumerator
}

// NewEnumerator allocates the persistent query buffer.
func NewEnumerator() (*Enumerator, error) {
	return &Enumerator{nt: newNTEnumerator(ntQuerySystemInformation)}, nil
}

// Enumerate returns every process except the idle process, in the order the kernel lists them.
func (e *Enumerator) Enumerate() ([]types.ProcessRecord, error) {
	return e.nt.enumerate()
}

// Reset drops per-cycle scratch state.
func (e *Enumerator) Reset() {
	e.nt.reset()
}

// Close is a no-op; the enumerator holds no OS handles.
func (e *Enumerator) Close() error {
	return nil
}

func ntQuerySystemInformation(buf []byte) (uint32, int32) {
	var filled uint32
	err := windows.NtQuerySystemInformation(windows.SystemProcessInformation,
		unsafe.Pointer(&buf[0]), uint32(len(buf)), &filled)
	if err == nil {
		return filled, 0
	}
	var status windows.NTStatus
	if errors.As(err, &status) {
		return filled, int32(status)
	}
	return filled, statusUnsuccessful
}
