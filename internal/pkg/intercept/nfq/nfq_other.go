//go:build !linux

package nfq

import (
	"fmt"
	"runtime"

	"github.com/endorses/lagswitch/internal/pkg/intercept"
)

func openHandle(cfg *Config) (*Handle, error) {
	return nil, fmt.Errorf("%w: nfqueue is not available on %s", intercept.ErrOpenFailed, runtime.GOOS)
}
