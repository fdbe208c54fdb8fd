package signal

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/peepcast/pkg/protocol"
	"github.com/tomaslejdung/peepcast/pkg/transport"
)

// DialOptions configures how a sharer joins a viewer room.
type DialOptions struct {
	Room           string
	Password       string
	Mode           Mode
	ICE            transport.ICEConfig
	ConnectTimeout time.Duration
}

// RoomURL builds the WebSocket URL of a room from a server address such as
// "viewer.example:8080", "http://host" or "wss://host".
func RoomURL(server, room string) (string, error) {
	if !strings.Contains(server, "://") {
		server = "ws://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + NormalizeRoomCode(room)
	return u.String(), nil
}

// Dial joins a room on the viewer server and returns the negotiated link.
func Dial(ctx context.Context, server string, opts DialOptions) (transport.Link, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Mode == "" {
		opts.Mode = ModeWebSocket
	}
	target, err := RoomURL(server, opts.Room)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	link, err := handshake(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}

func handshake(ctx context.Context, conn *websocket.Conn, opts DialOptions) (transport.Link, error) {
	join := SignalMessage{
		Type:     "join",
		Room:     NormalizeRoomCode(opts.Room),
		Password: opts.Password,
		Mode:     string(opts.Mode),
		Version:  int(protocol.Version),
	}
	if err := conn.WriteJSON(join); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}

	var reply SignalMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("read join reply: %w", err)
	}
	switch reply.Type {
	case "joined":
	case "password-required":
		return nil, ErrPasswordRequired
	case "password-invalid":
		return nil, ErrPasswordInvalid
	default:
		if reply.Error == ErrRoomBusy.Error() {
			return nil, ErrRoomBusy
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}

	if ParseMode(reply.Mode) != ModeWebRTC {
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})
		return transport.NewWebSocketLink(conn), nil
	}
	return offer(ctx, conn, opts.ICE)
}

func offer(ctx context.Context, conn *websocket.Conn, ice transport.ICEConfig) (transport.Link, error) {
	peer, err := transport.NewOfferer(ice)
	if err != nil {
		return nil, err
	}
	sdp, err := peer.Offer(ctx)
	if err != nil {
		peer.Close()
		return nil, err
	}
	if err := conn.WriteJSON(SignalMessage{Type: "offer", SDP: sdp}); err != nil {
		peer.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	var answer SignalMessage
	if err := conn.ReadJSON(&answer); err != nil {
		peer.Close()
		return nil, fmt.Errorf("read answer: %w", err)
	}
	if answer.Type != "answer" {
		peer.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, answer.Error)
	}
	if err := peer.AcceptAnswer(answer.SDP); err != nil {
		peer.Close()
		return nil, fmt.Errorf("failed to set answer: %w", err)
	}

	link, err := peer.Link(ctx)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("data channel: %w", err)
	}
	conn.Close()
	return link, nil
}
