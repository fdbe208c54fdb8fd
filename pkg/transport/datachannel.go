package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// Above this many bytes queued in SCTP, Send reports ErrCongested instead
// of queueing more.
const maxBufferedAmount = 1 << 20

// DataChannelLink carries datagrams over an unordered data channel without
// retransmissions. Received datagrams that find the receive buffer full are
// dropped, like packets on a congested network.
type DataChannelLink struct {
	peer *Peer
	dc   *webrtc.DataChannel
	recv chan []byte
	done chan struct{}
	once sync.Once

	dropped atomic.Uint64
}

func newDataChannelLink(p *Peer, dc *webrtc.DataChannel) *DataChannelLink {
	l := &DataChannelLink{
		peer: p,
		dc:   dc,
		recv: make(chan []byte, 1024),
		done: make(chan struct{}),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		select {
		case l.recv <- append([]byte(nil), msg.Data...):
		case <-l.done:
		default:
			l.dropped.Add(1)
		}
	})
	dc.OnClose(func() { l.Close() })
	go func() {
		select {
		case <-p.failed:
			l.Close()
		case <-l.done:
		}
	}()
	return l
}

func (l *DataChannelLink) Name() string {
	return "webrtc:" + l.peer.ConnectionType()
}

func (l *DataChannelLink) Send(ctx context.Context, datagram []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if l.dc.BufferedAmount() > maxBufferedAmount {
		return ErrCongested
	}
	if err := l.dc.Send(datagram); err != nil {
		return err
	}
	return nil
}

func (l *DataChannelLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-l.recv:
		return b, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns how many received datagrams were discarded.
func (l *DataChannelLink) Dropped() uint64 { return l.dropped.Load() }

// Close closes the data channel and its peer connection.
func (l *DataChannelLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.dc.Close()
		err = l.peer.Close()
	})
	return err
}
