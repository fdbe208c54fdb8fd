// Package signal runs the viewer's HTTP/WebSocket endpoint: sharers join a
// room, optionally negotiate WebRTC, and are handed over as a transport.Link.
package signal

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/peepcast/pkg/transport"
)

// DefaultConnectTimeout bounds the join and WebRTC negotiation.
const DefaultConnectTimeout = 10 * time.Second

// LinkHandler serves one joined sharer. The link is closed and the room
// freed when it returns.
type LinkHandler func(ctx context.Context, room *Room, link transport.Link)

// Config configures a Server.
type Config struct {
	ICE            transport.ICEConfig
	ConnectTimeout time.Duration
	Handler        LinkHandler
}

// Server manages WebSocket joins and room routing
type Server struct {
	cfg      Config
	rooms    map[string]*Room
	mu       sync.RWMutex
	upgrader websocket.Upgrader

	baseMu sync.Mutex
	base   context.Context
}

// NewServer creates a new viewer server
func NewServer(cfg Config) *Server {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Server{
		cfg:   cfg,
		rooms: make(map[string]*Room),
		base:  context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // sharers are native clients, not browsers
			},
		},
	}
}

// CreateRoom registers a room. An empty code generates one.
func (s *Server) CreateRoom(code, password string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = NormalizeRoomCode(code)
	if code == "" {
		for {
			code = GenerateRoomCode()
			if _, taken := s.rooms[code]; !taken {
				break
			}
		}
	}
	if room, exists := s.rooms[code]; exists {
		return room
	}
	room := &Room{code: code, password: password}
	s.rooms[code] = room
	return room
}

// Room returns the room with code.
func (s *Server) Room(code string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[NormalizeRoomCode(code)]
	return room, ok
}

// RoomCodes lists the registered rooms.
func (s *Server) RoomCodes() []string {
	s.mu.RLock()
	codes := make([]string, 0, len(s.rooms))
	for code := range s.rooms {
		codes = append(codes, code)
	}
	s.mu.RUnlock()
	sort.Strings(codes)
	return codes
}

func (s *Server) baseContext() context.Context {
	s.baseMu.Lock()
	defer s.baseMu.Unlock()
	return s.base
}

// HandleWebSocket handles sharer connections on /ws/{room-code}
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomCode := NormalizeRoomCode(strings.TrimPrefix(r.URL.Path, "/ws/"))
	if !ValidateRoomCode(roomCode) {
		http.Error(w, "Invalid room code", http.StatusBadRequest)
		return
	}
	room, ok := s.Room(roomCode)
	if !ok {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	ctx := s.baseContext()
	link, err := s.join(ctx, room, conn)
	if err != nil {
		log.Printf("Room %s: join from %s failed: %v", room.code, conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	defer room.release()
	defer link.Close()

	log.Printf("Room %s: sharer %s connected over %s", room.code, conn.RemoteAddr(), link.Name())
	if s.cfg.Handler != nil {
		s.cfg.Handler(ctx, room, link)
	}
	log.Printf("Room %s: sharer %s left", room.code, conn.RemoteAddr())
}

// Mux returns the HTTP routes of the server. Extra handlers are mounted
// alongside, e.g. the metrics endpoint.
func (s *Server) Mux(extra map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for path, h := range extra {
		mux.Handle(path, h)
	}
	return mux
}

// Serve accepts connections on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener, extra map[string]http.Handler) error {
	s.baseMu.Lock()
	s.base = ctx
	s.baseMu.Unlock()

	srv := &http.Server{
		Handler:           s.Mux(extra),
		ReadHeaderTimeout: s.cfg.ConnectTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Viewer server listening on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, extra map[string]http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l, extra)
}
