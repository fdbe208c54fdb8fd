// Package session tracks the lifecycle of one sharer→viewer stream.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State int

const (
	Connecting State = iota
	Active
	Idle
	Terminating
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Idle:
		return "idle"
	case Terminating:
		return "terminating"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidTransition is returned for a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrFull is returned when the registry is at capacity.
	ErrFull = errors.New("session limit reached")
)

var transitions = map[State][]State{
	Connecting:  {Active, Terminating},
	Active:      {Idle, Terminating},
	Idle:        {Active, Terminating},
	Terminating: {Closed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the shared record of a stream. Methods are safe for
// concurrent use.
type Session struct {
	ID      uuid.UUID
	Created time.Time

	mu         sync.Mutex
	state      State
	width      int
	height     int
	tier       int
	lastAckSeq uint64
	lastSeen   time.Time
	reason     string
	onChange   func(from, to State)
}

// New creates a session in the Connecting state.
func New(id uuid.UUID, now time.Time) *Session {
	return &Session{ID: id, Created: now, lastSeen: now}
}

// OnChange registers a callback invoked after every successful transition.
// It runs with the session lock released.
func (s *Session) OnChange(fn func(from, to State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to state to.
func (s *Session) Transition(to State) error {
	return s.transition(to, "")
}

// Terminate moves an open session to Terminating, recording why. It is a
// no-op for a session already terminating or closed.
func (s *Session) Terminate(reason string) error {
	switch s.State() {
	case Terminating, Closed:
		return nil
	}
	return s.transition(Terminating, reason)
}

// Close finishes termination. Calling it on an open session passes through
// Terminating first.
func (s *Session) Close(reason string) error {
	if err := s.Terminate(reason); err != nil {
		return err
	}
	if s.State() == Closed {
		return nil
	}
	return s.transition(Closed, "")
}

func (s *Session) transition(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	if reason != "" {
		s.reason = reason
	}
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(from, to)
	}
	return nil
}

// Reason returns why the session is terminating, if known.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
	s.mu.Unlock()
}

// TimedOut reports whether an open session has seen nothing for timeout.
func (s *Session) TimedOut(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Terminating, Closed:
		return false
	}
	return now.Sub(s.lastSeen) >= timeout
}

// SetGeometry records the stream dimensions.
func (s *Session) SetGeometry(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

// SetTier records the quality tier in use.
func (s *Session) SetTier(tier int) {
	s.mu.Lock()
	s.tier = tier
	s.mu.Unlock()
}

// Ack records the newest sequence number the viewer applied.
func (s *Session) Ack(seq uint64) {
	s.mu.Lock()
	if seq > s.lastAckSeq {
		s.lastAckSeq = seq
	}
	s.mu.Unlock()
}

// Snapshot is a copy of the session fields for display.
type Snapshot struct {
	ID         uuid.UUID
	State      State
	Width      int
	Height     int
	Tier       int
	LastAckSeq uint64
	Created    time.Time
	LastSeen   time.Time
	Reason     string
}

// Snapshot returns a consistent copy of the session fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:         s.ID,
		State:      s.state,
		Width:      s.width,
		Height:     s.height,
		Tier:       s.tier,
		LastAckSeq: s.lastAckSeq,
		Created:    s.Created,
		LastSeen:   s.lastSeen,
		Reason:     s.reason,
	}
}
