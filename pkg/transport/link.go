// Package transport carries chunk datagrams between a sharer and a viewer.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("link closed")
	// ErrCongested is returned when the link cannot take more data right now.
	// The datagram was not sent.
	ErrCongested = errors.New("link congested")
)

// Link moves whole datagrams. Send and Receive may be called concurrently
// with each other; Send is safe for concurrent use.
type Link interface {
	// Send writes one datagram
	Send(ctx context.Context, datagram []byte) error

	// Receive blocks until the next datagram arrives
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the link down; pending Receive calls return ErrClosed
	Close() error

	// Name describes the link for logs and the dashboard
	Name() string
}
