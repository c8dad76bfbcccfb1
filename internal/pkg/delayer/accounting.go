package delayer

import "time"

// accounting holds the packet counters. Every method must be called with the
// engine data lock held, in the same critical section as the queue mutation
// it accompanies, so that buffered always equals the queue length.
type accounting struct {
	receivedSinceLastReport uint64
	sentSinceLastReport     uint64
	totalReceived           uint64
	totalSent               uint64
	totalDropped            uint64
	previousDropped         uint64
	buffered                uint64
}

func (a *accounting) reset() {
	*a = accounting{}
}

// received records a packet appended to the queue.
func (a *accounting) received() {
	a.receivedSinceLastReport++
	a.totalReceived++
	a.buffered++
}

// receiveFailed records a packet the source had but could not hand over.
// It never reached the queue, so it is counted received and dropped at once.
func (a *accounting) receiveFailed() {
	a.totalReceived++
	a.totalDropped++
}

// sent records a queued packet injected successfully.
func (a *accounting) sent() {
	a.sentSinceLastReport++
	a.totalSent++
	a.buffered--
}

// dropped records n queued packets that left the queue without being sent.
func (a *accounting) dropped(n int) {
	a.totalDropped += uint64(n)
	a.buffered -= uint64(n)
}

// report zeroes the per-report counters and reconciles interval loss from
// the conservation law received = sent + buffered + dropped.
func (a *accounting) report(now time.Time) Report {
	r := Report{
		Time:          now,
		Received:      a.receivedSinceLastReport,
		Sent:          a.sentSinceLastReport,
		Buffered:      a.buffered,
		TotalReceived: a.totalReceived,
		TotalSent:     a.totalSent,
		TotalDropped:  a.totalDropped,
	}
	a.receivedSinceLastReport = 0
	a.sentSinceLastReport = 0

	r.Dropped = int64(a.totalReceived) - int64(a.totalSent) - int64(a.buffered) - int64(a.previousDropped)
	a.previousDropped = uint64(int64(a.previousDropped) + r.Dropped)
	return r
}

func (a *accounting) snapshot() Counters {
	return Counters{
		Received: a.totalReceived,
		Sent:     a.totalSent,
		Dropped:  a.totalDropped,
		Buffered: a.buffered,
	}
}

// Counters are the lifetime totals of the current activation cycle.
type Counters struct {
	Received uint64 `json:"received"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Buffered uint64 `json:"buffered"`
}

// Balanced reports whether the conservation law holds.
func (c Counters) Balanced() bool {
	return c.Received == c.Sent+c.Buffered+c.Dropped
}

// Report is one reporter cycle.
type Report struct {
	CycleID string    `json:"cycle_id"`
	Time    time.Time `json:"time"`

	// Received and Sent count packets since the previous report.
	Received uint64 `json:"received"`
	Sent     uint64 `json:"sent"`
	Buffered uint64 `json:"buffered"`

	// Dropped is the loss reconciled for this interval.
	Dropped int64 `json:"dropped"`

	TotalReceived uint64 `json:"total_received"`
	TotalSent     uint64 `json:"total_sent"`
	TotalDropped  uint64 `json:"total_dropped"`
}

// Lossy reports whether packets were lost during the interval.
func (r Report) Lossy() bool {
	return r.Dropped != 0
}
