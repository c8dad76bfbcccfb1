package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single captured log entry
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// ConsoleBuffer is a ring buffer for log entries
type ConsoleBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewConsoleBuffer creates a new ring buffer with the given capacity
func NewConsoleBuffer(capacity int) *ConsoleBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ConsoleBuffer{
		entries: make([]LogEntry, capacity),
		size:    capacity,
	}
}

// Add adds a log entry to the buffer
func (b *ConsoleBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetAll returns all entries in chronological order (oldest first)
func (b *ConsoleBuffer) GetAll() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogEntry, b.count)
	if b.count == 0 {
		return result
	}

	start := 0
	if b.count == b.size {
		start = b.head // head points to oldest when full
	}

	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.size]
	}
	return result
}

// Find returns the entries whose message contains substr.
func (b *ConsoleBuffer) Find(substr string) []LogEntry {
	var found []LogEntry
	for _, e := range b.GetAll() {
		if strings.Contains(e.Message, substr) {
			found = append(found, e)
		}
	}
	return found
}

// Count returns the number of entries in the buffer
func (b *ConsoleBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// ConsoleHandler is a slog handler that records entries into a ring buffer
type ConsoleHandler struct {
	buffer *ConsoleBuffer
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

// NewConsoleHandler creates a handler that captures logs to the buffer
func NewConsoleHandler(buffer *ConsoleBuffer, level slog.Level) *ConsoleHandler {
	return &ConsoleHandler{
		buffer: buffer,
		level:  level,
	}
}

// Enabled reports whether the handler handles records at the given level
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle handles the log record
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.buffer.Add(LogEntry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	return nil
}

func (h *ConsoleHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return fmt.Sprintf("%s.%s", h.group, k)
}

// WithAttrs returns a new handler with the given attributes
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newH := &ConsoleHandler{
		buffer: h.buffer,
		level:  h.level,
		attrs:  make([]slog.Attr, len(h.attrs)+len(attrs)),
		group:  h.group,
	}
	copy(newH.attrs, h.attrs)
	copy(newH.attrs[len(h.attrs):], attrs)
	return newH
}

// WithGroup returns a new handler with the given group name
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return &ConsoleHandler{
		buffer: h.buffer,
		level:  h.level,
		attrs:  h.attrs,
		group:  name,
	}
}

// NewCapture returns a logger that records everything at level and above
// into a fresh buffer.
func NewCapture(capacity int, level slog.Level) (*slog.Logger, *ConsoleBuffer) {
	buf := NewConsoleBuffer(capacity)
	return slog.New(NewConsoleHandler(buf, level)), buf
}

// FormatLevel returns a short string for the log level
func FormatLevel(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DBG"
	case slog.LevelInfo:
		return "INF"
	case slog.LevelWarn:
		return "WRN"
	case slog.LevelError:
		return "ERR"
	default:
		return "???"
	}
}
