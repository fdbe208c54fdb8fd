package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest datagram accepted from the peer.
	maxDatagram = 1 << 17
)

// WebSocketLink carries datagrams as binary WebSocket messages. A read
// pump and a write pump own the connection, so Send never writes
// concurrently.
type WebSocketLink struct {
	conn *websocket.Conn
	name string
	send chan []byte
	recv chan []byte
	done chan struct{}
	once sync.Once
}

// NewWebSocketLink wraps an established connection and starts its pumps.
func NewWebSocketLink(conn *websocket.Conn) *WebSocketLink {
	l := &WebSocketLink{
		conn: conn,
		name: "websocket:" + conn.RemoteAddr().String(),
		send: make(chan []byte, 256),
		recv: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go l.writePump()
	go l.readPump()
	return l
}

func (l *WebSocketLink) Name() string { return l.name }

// readPump reads messages from the WebSocket
func (l *WebSocketLink) readPump() {
	defer l.Close()

	l.conn.SetReadLimit(maxDatagram)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, message, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		// Any traffic proves the peer is alive.
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case l.recv <- message:
		case <-l.done:
			return
		}
	}
}

// writePump sends messages and pings to the WebSocket
func (l *WebSocketLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.Close()
		l.conn.Close()
	}()

	for {
		select {
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (l *WebSocketLink) Send(ctx context.Context, datagram []byte) error {
	buf := append([]byte(nil), datagram...)
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.send <- buf:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *WebSocketLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-l.recv:
		return b, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops both pumps. The write pump sends a close frame on its way out.
func (l *WebSocketLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
