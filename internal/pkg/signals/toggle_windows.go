//go:build windows

package signals

import "os"

var toggleSignals []os.Signal
