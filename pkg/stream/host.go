package stream

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/session"
	"github.com/tomaslejdung/peepcast/pkg/signal"
	"github.com/tomaslejdung/peepcast/pkg/transport"
)

// RoomView is the viewer currently or most recently attached to a room.
type RoomView struct {
	Room  string
	Live  bool
	Stats ViewerStats
}

// Host runs a Viewer for every sharer a signal.Server hands over. The last
// viewer of each room is kept after its session ends so its frame stays
// available.
type Host struct {
	registry *session.Registry
	opts     Options

	mu      sync.Mutex
	viewers map[string]*Viewer
	live    map[string]bool
}

// NewHost creates a host whose sessions share registry.
func NewHost(registry *session.Registry, opts Options) *Host {
	return &Host{
		registry: registry,
		opts:     opts,
		viewers:  make(map[string]*Viewer),
		live:     make(map[string]bool),
	}
}

// Handle serves one joined sharer; it is a signal.LinkHandler.
func (h *Host) Handle(ctx context.Context, room *signal.Room, link transport.Link) {
	h.mu.Lock()
	opts := h.opts
	v := NewViewer(link, h.registry, opts)
	h.viewers[room.Code()] = v
	h.live[room.Code()] = true
	h.mu.Unlock()

	if err := v.Serve(ctx); err != nil {
		log.Printf("Room %s: %v", room.Code(), err)
	}

	h.mu.Lock()
	if h.viewers[room.Code()] == v {
		h.live[room.Code()] = false
	}
	h.mu.Unlock()
}

// SetMaxTier caps the tier of every live sharer and of later sessions.
func (h *Host) SetMaxTier(ctx context.Context, tier int) {
	h.mu.Lock()
	h.opts.CapTier, h.opts.MaxTier = true, tier
	var live []*Viewer
	for code, v := range h.viewers {
		if h.live[code] {
			live = append(live, v)
		}
	}
	h.mu.Unlock()

	for _, v := range live {
		if err := v.SetMaxTier(ctx, tier); err != nil {
			log.Printf("Viewer: set max tier: %v", err)
		}
	}
}

// MaxTier returns the tier cap applied to new sessions, if any.
func (h *Host) MaxTier() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts.MaxTier, h.opts.CapTier
}

// Rooms returns every room that has had a sharer, sorted by code.
func (h *Host) Rooms() []RoomView {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RoomView, 0, len(h.viewers))
	for code, v := range h.viewers {
		out = append(out, RoomView{Room: code, Live: h.live[code], Stats: v.Stats()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Frame returns the latest frame received in room, or nil.
func (h *Host) Frame(room string) *frame.Frame {
	h.mu.Lock()
	v := h.viewers[signal.NormalizeRoomCode(room)]
	h.mu.Unlock()
	if v == nil {
		return nil
	}
	return v.Frame()
}
