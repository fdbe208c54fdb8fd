// Package reconstruct rebuilds the sharer's screen on the viewer side by
// applying updates in sequence order.
package reconstruct

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tomaslejdung/peepcast/pkg/codec"
	"github.com/tomaslejdung/peepcast/pkg/frame"
)

var (
	// ErrRegionOutOfBounds is returned when an update does not fit the frame
	// being rebuilt. The update is not applied.
	ErrRegionOutOfBounds = errors.New("region outside reconstructed frame")
	// ErrNoBaseline is returned for a patch update before any full frame.
	ErrNoBaseline = errors.New("no full frame received yet")
)

// Reconstructor applies updates to a working frame and publishes immutable
// snapshots. Apply is called from one receive loop; Frame may be called from
// any goroutine and never blocks on Apply.
type Reconstructor struct {
	mu      sync.Mutex
	work    *frame.Frame
	lastSeq uint64
	applied bool

	snap atomic.Pointer[frame.Frame]
}

// New creates an empty reconstructor.
func New() *Reconstructor {
	return &Reconstructor{}
}

// Apply applies u if it is newer than the last applied update. Stale or
// duplicate updates return (false, nil).
func (r *Reconstructor) Apply(u *codec.Update) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.applied && u.Seq <= r.lastSeq {
		return false, nil
	}

	var next *frame.Frame
	switch {
	case u.FullFrame:
		next = frame.New(u.Width, u.Height, u.Format)
	case r.work == nil:
		return false, ErrNoBaseline
	case u.Width != r.work.Width || u.Height != r.work.Height || u.Format != r.work.Format:
		return false, fmt.Errorf("%w: update %dx%d %s, frame %dx%d %s", ErrRegionOutOfBounds,
			u.Width, u.Height, u.Format, r.work.Width, r.work.Height, r.work.Format)
	default:
		// Copy on write: the published snapshot must stay untouched.
		next = r.work.Clone()
	}

	for _, reg := range u.Regions {
		if !next.Bounds().Contains(reg.Rect) {
			return false, fmt.Errorf("%w: %s", ErrRegionOutOfBounds, reg.Rect)
		}
	}
	if err := frame.Apply(next, u.Regions); err != nil {
		return false, fmt.Errorf("%w: %w", ErrRegionOutOfBounds, err)
	}

	next.Seq = u.Seq
	next.Captured = u.Captured
	r.work = next
	r.lastSeq = u.Seq
	r.applied = true
	r.snap.Store(next)
	return true, nil
}

// Frame returns the latest snapshot, or nil before the first full frame.
// The snapshot must not be modified.
func (r *Reconstructor) Frame() *frame.Frame {
	return r.snap.Load()
}

// LastSeq returns the sequence number of the last applied update.
func (r *Reconstructor) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// HasFrame reports whether a full frame has been applied.
func (r *Reconstructor) HasFrame() bool {
	return r.snap.Load() != nil
}
