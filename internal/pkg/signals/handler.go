// Package signals maps process signals to shutdown and toggle requests.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/logger"
)

// SetupHandler cancels ctx through cancel on SIGINT, SIGTERM or SIGHUP.
// The returned cleanup stops signal delivery and must be called once the
// handler is no longer needed.
func SetupHandler(ctx context.Context, cancel context.CancelFunc) (cleanup func()) {
	return watch(ctx, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}, true, func(sig os.Signal) {
		logger.Info("Received signal, initiating shutdown", "signal", sig.String())
		cancel()
	})
}

// NotifyToggle calls onToggle for every toggle signal (SIGUSR1 where the
// platform has it) until ctx is done or cleanup is called.
func NotifyToggle(ctx context.Context, onToggle func()) (cleanup func()) {
	if len(toggleSignals) == 0 {
		return func() {}
	}
	return watch(ctx, toggleSignals, false, func(sig os.Signal) {
		logger.Info("Received toggle signal", "signal", sig.String())
		onToggle()
	})
}

// watch runs fn for each of sigs. With once set it returns after the first.
func watch(ctx context.Context, sigs []os.Signal, once bool, fn func(os.Signal)) (cleanup func()) {
	sigCh := make(chan os.Signal, constants.SignalChannelBuffer)
	signal.Notify(sigCh, sigs...)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case sig := <-sigCh:
				fn(sig)
				if once {
					return
				}
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(stop)
		<-done
	}
}
