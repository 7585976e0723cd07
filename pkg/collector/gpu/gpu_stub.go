//go:build !linux && !windows
// +build !linux,!windows

package gpu

import "errors"

var errUnsupported = errors.New("gpu adapter enumeration is only supported on linux and windows")

func openPlatformFactory() (factory, error) {
	return nil, errUnsupported
}
