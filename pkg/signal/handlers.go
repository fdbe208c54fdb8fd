package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/peepcast/pkg/protocol"
	"github.com/tomaslejdung/peepcast/pkg/transport"
)

var (
	ErrPasswordRequired = errors.New("password required")
	ErrPasswordInvalid  = errors.New("invalid password")
	ErrRoomBusy         = errors.New("room busy")
	ErrRejected         = errors.New("join rejected")
)

// join runs the handshake on a fresh connection and returns the link the
// sharer's chunks will arrive on. On error the room is not claimed.
func (s *Server) join(ctx context.Context, room *Room, conn *websocket.Conn) (transport.Link, error) {
	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	var msg SignalMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("read join: %w", err)
	}
	if msg.Type != "join" {
		writeError(conn, "error", "expected join")
		return nil, fmt.Errorf("%w: got %q", ErrRejected, msg.Type)
	}
	if msg.Version != 0 && msg.Version != int(protocol.Version) {
		writeError(conn, "error", fmt.Sprintf("unsupported protocol version %d", msg.Version))
		return nil, fmt.Errorf("%w: version %d", ErrRejected, msg.Version)
	}

	// Check password if room is protected
	if room.password != "" && msg.Password != room.password {
		if msg.Password == "" {
			writeError(conn, "password-required", "Password required")
			return nil, ErrPasswordRequired
		}
		writeError(conn, "password-invalid", "Invalid password")
		return nil, ErrPasswordInvalid
	}

	if !room.claim(conn.RemoteAddr().String()) {
		writeError(conn, "error", ErrRoomBusy.Error())
		return nil, ErrRoomBusy
	}

	mode := ParseMode(msg.Mode)
	if err := conn.WriteJSON(SignalMessage{Type: "joined", Room: room.code, Mode: string(mode)}); err != nil {
		room.release()
		return nil, fmt.Errorf("write joined: %w", err)
	}

	var (
		link transport.Link
		err  error
	)
	switch mode {
	case ModeWebRTC:
		link, err = s.negotiate(ctx, conn, deadline)
	default:
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})
		link = transport.NewWebSocketLink(conn)
	}
	if err != nil {
		room.release()
		return nil, err
	}
	return link, nil
}

// negotiate answers the sharer's offer and waits for the data channel. The
// signaling connection is closed once the channel is open.
func (s *Server) negotiate(ctx context.Context, conn *websocket.Conn, deadline time.Time) (transport.Link, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var offer SignalMessage
	if err := conn.ReadJSON(&offer); err != nil {
		return nil, fmt.Errorf("read offer: %w", err)
	}
	if offer.Type != "offer" || offer.SDP == "" {
		writeError(conn, "error", "expected offer")
		return nil, fmt.Errorf("%w: got %q", ErrRejected, offer.Type)
	}

	peer, err := transport.NewAnswerer(s.cfg.ICE)
	if err != nil {
		return nil, err
	}
	answer, err := peer.Answer(ctx, offer.SDP)
	if err != nil {
		peer.Close()
		return nil, err
	}
	if err := conn.WriteJSON(SignalMessage{Type: "answer", SDP: answer}); err != nil {
		peer.Close()
		return nil, fmt.Errorf("write answer: %w", err)
	}

	link, err := peer.Link(ctx)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("data channel: %w", err)
	}
	log.Printf("WebRTC data channel open (%s)", peer.ConnectionType())
	conn.Close()
	return link, nil
}

func writeError(conn *websocket.Conn, typ, text string) {
	if err := conn.WriteJSON(SignalMessage{Type: typ, Error: text}); err != nil {
		log.Printf("WebSocket write error: %v", err)
	}
}
