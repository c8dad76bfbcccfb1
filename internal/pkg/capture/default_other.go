//go:build !linux

package capture

import (
	"fmt"
	"runtime"
)

// DefaultDevice is only implemented on Linux.
func DefaultDevice() (string, error) {
	return "", fmt.Errorf("%w: route lookup not supported on %s", ErrNoDefaultRoute, runtime.GOOS)
}
