//go:build !windows

package signals

import (
	"os"
	"syscall"
)

var toggleSignals = []os.Signal{syscall.SIGUSR1}
