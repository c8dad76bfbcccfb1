package run

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/endorses/lagswitch/internal/pkg/toggle"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// engine is the part of the delayer the run loop drives.
type engine interface {
	Toggle() error
	IsActive() bool
	Latency() time.Duration
	SetLatency(time.Duration) error
}

// controlLoop applies toggle requests until a quit request or ctx ends.
// A quit request cancels the run through quit.
func controlLoop(ctx context.Context, eng engine, actions <-chan toggle.Action, quit context.CancelFunc, status io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-actions:
			switch a {
			case toggle.Toggle:
				if err := eng.Toggle(); err != nil {
					logger.Error("Failed to toggle the delay", "error", err)
					fmt.Fprintf(status, "Toggle failed: %v\r\n", err)
					continue
				}
				printStatus(status, eng)
			case toggle.Quit:
				logger.Info("Quit requested")
				quit()
				return
			}
		}
	}
}

func printStatus(w io.Writer, eng engine) {
	if eng.IsActive() {
		fmt.Fprintf(w, "Lag switch ON (%v)\r\n", eng.Latency())
	} else {
		fmt.Fprint(w, "Lag switch OFF\r\n")
	}
}

// latencyReloader applies latency_ms changes from the watched config file.
type latencyReloader struct {
	mu   sync.Mutex
	eng  engine
	last int
}

func newLatencyReloader(eng engine, current int) *latencyReloader {
	return &latencyReloader{eng: eng, last: current}
}

// OnConfigChange is registered with viper.OnConfigChange.
func (r *latencyReloader) OnConfigChange(e fsnotify.Event) {
	ms := viper.GetInt("latency_ms")

	r.mu.Lock()
	defer r.mu.Unlock()
	if ms == r.last {
		return
	}
	if ms <= 0 {
		logger.Warn("Ignoring invalid latency from config", "file", e.Name, "latency_ms", ms)
		return
	}
	if err := r.eng.SetLatency(time.Duration(ms) * time.Millisecond); err != nil {
		logger.Error("Failed to apply latency from config", "file", e.Name, "error", err)
		return
	}
	logger.Info("Latency reloaded from config", "file", e.Name, "latency_ms", ms)
	r.last = ms
}

// crlfWriter turns line feeds into CRLF so log lines stay aligned while the
// terminal is in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	out := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}
