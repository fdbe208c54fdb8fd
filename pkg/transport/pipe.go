package transport

import (
	"context"
	"sync"
)

// PipeOption configures one direction of an in-memory pipe.
type PipeOption func(*pipeConfig)

type pipeConfig struct {
	buffer int
	drop   func(datagram []byte) bool
}

// WithBuffer sets how many datagrams may be in flight per direction.
func WithBuffer(n int) PipeOption {
	return func(c *pipeConfig) { c.buffer = n }
}

// WithDrop installs a loss hook: datagrams for which drop returns true
// silently vanish, as they would on a lossy network.
func WithDrop(drop func(datagram []byte) bool) PipeOption {
	return func(c *pipeConfig) { c.drop = drop }
}

type pipeHalf struct {
	ch   chan []byte
	drop func([]byte) bool
}

// pipeEnd is one end of an in-memory link pair.
type pipeEnd struct {
	name string
	in   *pipeHalf
	out  *pipeHalf

	once   *sync.Once
	closed chan struct{}
}

// Pipe returns two connected in-memory links. Options apply to both
// directions.
func Pipe(opts ...PipeOption) (Link, Link) {
	cfg := pipeConfig{buffer: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	ab := &pipeHalf{ch: make(chan []byte, cfg.buffer), drop: cfg.drop}
	ba := &pipeHalf{ch: make(chan []byte, cfg.buffer), drop: cfg.drop}
	once := &sync.Once{}
	closed := make(chan struct{})
	a := &pipeEnd{name: "pipe:a", in: ba, out: ab, once: once, closed: closed}
	b := &pipeEnd{name: "pipe:b", in: ab, out: ba, once: once, closed: closed}
	return a, b
}

func (p *pipeEnd) Name() string { return p.name }

func (p *pipeEnd) Send(ctx context.Context, datagram []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	if p.out.drop != nil && p.out.drop(datagram) {
		return nil
	}
	buf := append([]byte(nil), datagram...)
	select {
	case p.out.ch <- buf:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns datagrams already in flight even after Close.
func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in.ch:
		return b, nil
	default:
	}
	select {
	case b := <-p.in.ch:
		return b, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends.
func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
