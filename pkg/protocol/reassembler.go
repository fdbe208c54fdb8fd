package protocol

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultReassemblyTimeout = 2 * time.Second
	DefaultMaxPending        = 64

	// recentDone bounds the memory of completed ids used to drop
	// duplicates that arrive after their message was delivered.
	recentDone = 256
)

// slot holds the chunks of one partially received message. Slots live in
// an arena and are recycled through a free list.
type slot struct {
	id       uint32
	kind     Kind
	flags    byte
	count    uint16
	received uint16
	size     int
	parts    [][]byte
	first    time.Time
}

// ReassemblyStats is a point-in-time snapshot of reassembler counters.
type ReassemblyStats struct {
	Pending   int
	Completed uint64
	Expired   uint64
	Evicted   uint64
	Dups      uint64
}

// Reassembler rebuilds messages from chunks arriving in any order, with
// duplicates and losses. Partial messages older than Timeout are dropped by
// Expire; when MaxPending partials are held the oldest is evicted.
type Reassembler struct {
	Timeout    time.Duration
	MaxPending int

	mu     sync.Mutex
	closed bool
	slots  []slot
	free   []int
	byID   map[uint32]int

	done    [recentDone]uint32
	doneLen int
	doneAt  int

	stats ReassemblyStats
}

// NewReassembler creates a reassembler with the given timeout and pending
// limit; zero values select the defaults.
func NewReassembler(timeout time.Duration, maxPending int) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reassembler{
		Timeout:    timeout,
		MaxPending: maxPending,
		byID:       make(map[uint32]int),
	}
}

// Add stores c. When c completes its message the full body is returned with
// complete set. Single-chunk messages complete immediately.
func (r *Reassembler) Add(c Chunk, now time.Time) (Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Message{}, false, ErrReassemblerClosed
	}
	if c.Count == 0 || c.Index >= c.Count {
		return Message{}, false, errors.Join(ErrProtocol, ErrBadChunkIndex)
	}

	idx, ok := r.byID[c.MessageID]
	if !ok {
		if r.recentlyDone(c.MessageID) {
			r.stats.Dups++
			return Message{}, false, nil
		}
		if c.Count == 1 {
			r.markDone(c.MessageID)
			r.stats.Completed++
			body := append([]byte(nil), c.Payload...)
			return Message{Kind: c.Kind, Flags: c.Flags, ID: c.MessageID, Body: body}, true, nil
		}
		idx = r.open(c, now)
	}

	s := &r.slots[idx]
	if s.count != c.Count || s.kind != c.Kind {
		return Message{}, false, errors.Join(ErrProtocol, ErrCountMismatch)
	}
	if s.parts[c.Index] != nil {
		r.stats.Dups++
		return Message{}, false, nil
	}
	s.parts[c.Index] = append(make([]byte, 0, max(len(c.Payload), 1)), c.Payload...)
	s.received++
	s.size += len(c.Payload)
	if s.received < s.count {
		return Message{}, false, nil
	}

	body := make([]byte, 0, s.size)
	for _, p := range s.parts {
		body = append(body, p...)
	}
	msg := Message{Kind: s.kind, Flags: s.flags, ID: s.id, Body: body}
	r.release(idx)
	r.markDone(msg.ID)
	r.stats.Completed++
	return msg, true, nil
}

func (r *Reassembler) open(c Chunk, now time.Time) int {
	if len(r.byID) >= r.MaxPending {
		r.release(r.oldest())
		r.stats.Evicted++
	}
	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = len(r.slots) - 1
	}
	parts := r.slots[idx].parts[:0]
	if cap(parts) < int(c.Count) {
		parts = make([][]byte, c.Count)
	} else {
		parts = parts[:c.Count]
		clear(parts)
	}
	r.slots[idx] = slot{
		id:    c.MessageID,
		kind:  c.Kind,
		flags: c.Flags,
		count: c.Count,
		parts: parts,
		first: now,
	}
	r.byID[c.MessageID] = idx
	return idx
}

func (r *Reassembler) oldest() int {
	best := -1
	for _, idx := range r.byID {
		if best < 0 || r.slots[idx].first.Before(r.slots[best].first) {
			best = idx
		}
	}
	return best
}

func (r *Reassembler) release(idx int) {
	s := &r.slots[idx]
	delete(r.byID, s.id)
	clear(s.parts)
	s.received = 0
	s.size = 0
	r.free = append(r.free, idx)
}

func (r *Reassembler) markDone(id uint32) {
	r.done[r.doneAt] = id
	r.doneAt = (r.doneAt + 1) % recentDone
	r.doneLen = min(r.doneLen+1, recentDone)
}

func (r *Reassembler) recentlyDone(id uint32) bool {
	for i := 0; i < r.doneLen; i++ {
		if r.done[i] == id {
			return true
		}
	}
	return false
}

// Expire drops partial messages first seen more than Timeout before now and
// returns how many were dropped.
func (r *Reassembler) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, idx := range r.byID {
		if now.Sub(r.slots[idx].first) >= r.Timeout {
			r.release(idx)
			n++
		}
	}
	r.stats.Expired += uint64(n)
	return n
}

// Pending returns the number of partial messages held.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() ReassemblyStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Pending = len(r.byID)
	return s
}

// Close releases every slot. Later chunks are rejected.
func (r *Reassembler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.slots = nil
	r.free = nil
	clear(r.byID)
}
