package delayqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id uint32, at time.Time) PacketRecord {
	return PacketRecord{
		Payload:    []byte{byte(id)},
		Metadata:   intercept.Metadata{ID: id},
		CapturedAt: at,
	}
}

func ids(records []PacketRecord) []uint32 {
	out := make([]uint32, 0, len(records))
	for _, r := range records {
		out = append(out, r.Metadata.ID)
	}
	return out
}

func TestPacketRecordExpired(t *testing.T) {
	base := time.Now()
	r := record(1, base)

	assert.Equal(t, 100*time.Millisecond, r.Age(base.Add(100*time.Millisecond)))
	assert.False(t, r.Expired(base.Add(200*time.Millisecond), 200*time.Millisecond), "age equal to latency is not expired")
	assert.True(t, r.Expired(base.Add(201*time.Millisecond), 200*time.Millisecond))
}

func TestQueue_EndToEndScenario(t *testing.T) {
	latency := 200 * time.Millisecond
	t0 := time.Now()
	q := New()

	q.Append(record(1, t0))

	assert.Empty(t, q.ExtractExpired(t0.Add(100*time.Millisecond), latency))
	assert.Equal(t, 1, q.Len())

	released := q.ExtractExpired(t0.Add(250*time.Millisecond), latency)
	require.Len(t, released, 1)
	assert.Equal(t, uint32(1), released[0].Metadata.ID)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ExtractExpiredReturnsPrefixInOrder(t *testing.T) {
	latency := 50 * time.Millisecond
	t0 := time.Now()
	q := New()

	for i := 0; i < 10; i++ {
		q.Append(record(uint32(i), t0.Add(time.Duration(i)*10*time.Millisecond)))
	}

	// entries captured at 0..40ms are older than 50ms at t0+91ms
	now := t0.Add(91 * time.Millisecond)
	released := q.ExtractExpired(now, latency)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, ids(released))

	for _, r := range released {
		assert.Greater(t, now.Sub(r.CapturedAt), latency)
	}

	remaining := q.Drain()
	assert.Equal(t, []uint32{5, 6, 7, 8, 9}, ids(remaining))
	for _, r := range remaining {
		assert.LessOrEqual(t, now.Sub(r.CapturedAt), latency)
	}
}

func TestQueue_ExtractStopsAtFirstUnexpired(t *testing.T) {
	t0 := time.Now()
	q := New()

	// An out-of-order timestamp behind a fresh head must not be released early.
	q.Append(record(1, t0.Add(time.Second)))
	q.Append(record(2, t0))

	assert.Empty(t, q.ExtractExpired(t0.Add(500*time.Millisecond), 100*time.Millisecond))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_OldestAndEmpty(t *testing.T) {
	q := New()
	_, ok := q.Oldest()
	assert.False(t, ok)
	assert.Nil(t, q.Drain())
	assert.Nil(t, q.ExtractExpired(time.Now(), 0))

	t0 := time.Now()
	q.Append(record(3, t0))
	q.Append(record(4, t0.Add(time.Millisecond)))

	oldest, ok := q.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint32(3), oldest.Metadata.ID)
	assert.Equal(t, 2, q.Len())
}

func TestQueue_CompactionKeepsOrder(t *testing.T) {
	t0 := time.Now()
	q := New()
	total := 3 * compactThreshold

	for i := 0; i < total; i++ {
		q.Append(record(uint32(i), t0.Add(time.Duration(i)*time.Microsecond)))
	}

	var released []PacketRecord
	appended := 0
	for step := 1; step <= total; step += 97 {
		now := t0.Add(time.Duration(step) * time.Microsecond)
		released = append(released, q.ExtractExpired(now, 0)...)
		q.Append(record(uint32(total+step), t0.Add(time.Hour)))
		appended++
	}

	for i, r := range released {
		assert.Equal(t, uint32(i), r.Metadata.ID)
	}
	assert.Equal(t, total-len(released)+appended, q.Len())
}

func TestQueue_ConcurrentAppendAndExtract(t *testing.T) {
	q := New()
	const producers = 4
	const perProducer = 500

	var mu sync.Mutex
	var seq uint32
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				// Producers append in timestamp order under a shared lock, as
				// the receiver does under the engine data lock.
				mu.Lock()
				seq++
				q.Append(record(seq, time.Now()))
				mu.Unlock()
			}
		}()
	}

	var got []PacketRecord
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(got) < producers*perProducer {
			got = append(got, q.ExtractExpired(time.Now().Add(time.Hour), 0)...)
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out extracting records")
	}

	require.Len(t, got, producers*perProducer)
	for i, r := range got {
		assert.Equal(t, uint32(i+1), r.Metadata.ID, "records must come out in append order")
	}
	assert.Equal(t, 0, q.Len())
}
