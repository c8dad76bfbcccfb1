// Package delayqueue holds captured packets in arrival order until they have
// aged past a latency threshold.
package delayqueue

import (
	"sync"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/intercept"
)

// compactThreshold is the number of consumed head slots tolerated before the
// backing slice is compacted.
const compactThreshold = 1024

// PacketRecord is a captured packet waiting to be released.
type PacketRecord struct {
	Payload    []byte
	Metadata   intercept.Metadata
	CapturedAt time.Time
}

// Age returns how long the packet has been held at now.
func (r PacketRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CapturedAt)
}

// Expired reports whether the packet has been held longer than latency.
func (r PacketRecord) Expired(now time.Time, latency time.Duration) bool {
	return r.Age(now) > latency
}

// Queue is an unbounded FIFO of PacketRecords sorted by CapturedAt.
// Records are only appended at the tail and only extracted from the head.
type Queue struct {
	mu      sync.Mutex
	entries []PacketRecord
	head    int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Append inserts a record at the tail.
func (q *Queue) Append(r PacketRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, r)
}

// ExtractExpired removes and returns, oldest first, every record at the head
// of the queue that has been held longer than latency at now. Scanning stops
// at the first record that has not expired.
func (q *Queue) ExtractExpired(now time.Time, latency time.Duration) []PacketRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	end := q.head
	for end < len(q.entries) && q.entries[end].Expired(now, latency) {
		end++
	}
	return q.take(end)
}

// Drain removes and returns every record.
func (q *Queue) Drain() []PacketRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.take(len(q.entries))
}

// Len returns the number of buffered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries) - q.head
}

// Oldest returns the record at the head without removing it.
func (q *Queue) Oldest() (PacketRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.entries) {
		return PacketRecord{}, false
	}
	return q.entries[q.head], true
}

// take detaches entries[head:end]. Caller holds q.mu.
func (q *Queue) take(end int) []PacketRecord {
	if end == q.head {
		return nil
	}

	out := make([]PacketRecord, end-q.head)
	copy(out, q.entries[q.head:end])
	clear(q.entries[q.head:end])
	q.head = end
	q.compact()
	return out
}

// compact reclaims consumed head slots. Caller holds q.mu.
func (q *Queue) compact() {
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
		return
	}
	if q.head < compactThreshold || q.head*2 < len(q.entries) {
		return
	}

	n := copy(q.entries, q.entries[q.head:])
	clear(q.entries[n:])
	q.entries = q.entries[:n]
	q.head = 0
}
