package quality

import (
	"sync"
	"time"
)

const rttAlpha = 0.125

// Tracker turns raw transport events into one Feedback per tick. Viewer
// counters arrive as running totals; the tracker works on their deltas so
// a lost report only delays information.
type Tracker struct {
	mu sync.Mutex

	staleAfter time.Duration

	windowStart time.Time
	sentBytes   int64
	sentMsgs    int
	dropped     int

	rtt    time.Duration
	hasRTT bool

	lastReport    time.Time
	completed     uint64
	gaps          uint64
	lastCompleted uint64
	lastGaps      uint64
}

// NewTracker creates a tracker. A window in which updates were sent but no
// viewer report arrived for staleAfter is reported as Stale.
func NewTracker(now time.Time, staleAfter time.Duration) *Tracker {
	return &Tracker{staleAfter: staleAfter, windowStart: now, lastReport: now}
}

// OnSent records a message written to the link.
func (t *Tracker) OnSent(bytes int) {
	t.mu.Lock()
	t.sentBytes += int64(bytes)
	t.sentMsgs++
	t.mu.Unlock()
}

// OnDropped records a message dropped before it reached the link.
func (t *Tracker) OnDropped() {
	t.mu.Lock()
	t.dropped++
	t.mu.Unlock()
}

// OnRTT folds one round-trip sample into the moving average.
func (t *Tracker) OnRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasRTT {
		t.rtt = sample
		t.hasRTT = true
		return
	}
	t.rtt += time.Duration(rttAlpha * float64(sample-t.rtt))
}

// OnReport records the viewer's running totals of applied updates and
// sequence gaps.
func (t *Tracker) OnReport(now time.Time, completed, gaps uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastReport = now
	if completed > t.completed {
		t.completed = completed
	}
	if gaps > t.gaps {
		t.gaps = gaps
	}
}

// RTT returns the smoothed round-trip time, zero until the first sample.
func (t *Tracker) RTT() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rtt
}

// Sample closes the current window and returns its feedback.
func (t *Tracker) Sample(now time.Time) Feedback {
	t.mu.Lock()
	defer t.mu.Unlock()

	fb := Feedback{
		RTT:     t.rtt,
		Sent:    t.sentMsgs,
		Dropped: t.dropped,
	}
	if elapsed := now.Sub(t.windowStart).Seconds(); elapsed > 0 {
		fb.Throughput = float64(t.sentBytes) / elapsed
	}

	dCompleted := t.completed - t.lastCompleted
	dGaps := t.gaps - t.lastGaps
	if total := dCompleted + dGaps; total > 0 {
		fb.LossRate = float64(dGaps) / float64(total)
	}
	fb.Stale = t.sentMsgs > 0 && t.staleAfter > 0 && now.Sub(t.lastReport) > t.staleAfter

	t.lastCompleted, t.lastGaps = t.completed, t.gaps
	t.windowStart = now
	t.sentBytes, t.sentMsgs, t.dropped = 0, 0, 0
	return fb
}
