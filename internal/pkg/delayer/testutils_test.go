package delayer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/intercept/mocks"
	"github.com/endorses/lagswitch/internal/pkg/logger"
)

// Common test utilities shared across all test files

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeNetwork is an interception backend driven by the test through
// channels. Each Open returns a fresh handle sharing the same packet feed.
type fakeNetwork struct {
	in chan []byte

	mu          sync.Mutex
	shutdown    chan struct{}
	pending     []byte
	nextID      uint32
	sent        [][]byte
	sendCalls   int
	opens       int
	shutdowns   int
	closes      int
	closed      bool
	filters     []string
	openErr     error
	closeErr    error
	receiveErr  error
	sendErrorFn func(call int) error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{in: make(chan []byte, 1024)}
}

func (f *fakeNetwork) inject(payloads ...string) {
	for _, p := range payloads {
		f.in <- []byte(p)
	}
}

func (f *fakeNetwork) sentPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, string(p))
	}
	return out
}

func (f *fakeNetwork) counts() (opens, shutdowns, closes, sendCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.shutdowns, f.closes, f.sendCalls
}

func (f *fakeNetwork) source() *mocks.Source {
	return &mocks.Source{
		MockName: func() string {
			return "fake"
		},
		MockFilter: func(spec intercept.FilterSpec) (string, error) {
			return spec.String(), nil
		},
		MockOpen: func(filter string) (intercept.Handle, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.openErr != nil {
				return nil, f.openErr
			}
			f.opens++
			f.filters = append(f.filters, filter)
			f.shutdown = make(chan struct{})
			f.closed = false
			return f.handle(f.shutdown), nil
		},
	}
}

func (f *fakeNetwork) handle(shutdown chan struct{}) *mocks.Handle {
	var once sync.Once
	return &mocks.Handle{
		MockReceive: func(buf []byte) (int, intercept.Metadata, error) {
			f.mu.Lock()
			if err := f.receiveErr; err != nil {
				f.receiveErr = nil
				f.mu.Unlock()
				return 0, intercept.Metadata{}, err
			}
			data := f.pending
			f.pending = nil
			f.mu.Unlock()

			if data == nil {
				select {
				case <-shutdown:
					return 0, intercept.Metadata{}, intercept.ErrNoMoreData
				case data = <-f.in:
				}
			}

			n, err := intercept.CopyPacket(buf, data)
			f.mu.Lock()
			defer f.mu.Unlock()
			if err != nil {
				f.pending = data
				return 0, intercept.Metadata{}, err
			}
			f.nextID++
			return n, intercept.Metadata{ID: f.nextID}, nil
		},
		MockSend: func(data []byte, md intercept.Metadata) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sendCalls++
			if f.closed {
				return intercept.ErrHandleClosed
			}
			if f.sendErrorFn != nil {
				if err := f.sendErrorFn(f.sendCalls); err != nil {
					return err
				}
			}
			f.sent = append(f.sent, append([]byte(nil), data...))
			return nil
		},
		MockShutdown: func() error {
			f.mu.Lock()
			f.shutdowns++
			f.mu.Unlock()
			once.Do(func() { close(shutdown) })
			return nil
		},
		MockClose: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.closes++
			f.closed = true
			return f.closeErr
		},
	}
}

// testConfig returns fast loop timings and a log capture.
func testConfig(clock *fakeClock) (*Config, *logger.ConsoleBuffer) {
	log, buf := logger.NewCapture(1000, slog.LevelDebug)
	cfg := &Config{
		SenderPollInterval: 2 * time.Millisecond,
		ReportInterval:     20 * time.Millisecond,
		ReportWaitSlice:    5 * time.Millisecond,
		Logger:             log,
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return cfg, buf
}

var errBoom = errors.New("boom")

// findLogs returns the captured entries with exactly msg.
func findLogs(buf *logger.ConsoleBuffer, msg string) []logger.LogEntry {
	var found []logger.LogEntry
	for _, e := range buf.GetAll() {
		if e.Message == msg {
			found = append(found, e)
		}
	}
	return found
}

func countLogs(buf *logger.ConsoleBuffer, msg string) int {
	return len(findLogs(buf, msg))
}
