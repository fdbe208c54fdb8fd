package protocol

import (
	"errors"
	"fmt"
)

const (
	// DefaultMaxPayload keeps a chunk plus its header under a 1400 byte datagram.
	DefaultMaxPayload = 1200
	DefaultMaxChunks  = 4096
)

// Chunker splits logical messages into datagrams no larger than
// HeaderLen+MaxPayload.
type Chunker struct {
	MaxPayload int
	MaxChunks  int
}

// NewChunker returns a chunker with the default limits.
func NewChunker() *Chunker {
	return &Chunker{MaxPayload: DefaultMaxPayload, MaxChunks: DefaultMaxChunks}
}

// Limit is the largest body Split accepts.
func (c *Chunker) Limit() int { return c.maxPayload() * c.maxChunks() }

func (c *Chunker) maxPayload() int {
	if c.MaxPayload <= 0 || c.MaxPayload > MaxChunkPayload {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

func (c *Chunker) maxChunks() int {
	if c.MaxChunks <= 0 || c.MaxChunks > 1<<16-1 {
		return DefaultMaxChunks
	}
	return c.MaxChunks
}

// Split encodes body as a sequence of chunks sharing msgID. An empty body
// still produces one chunk.
func (c *Chunker) Split(kind Kind, flags byte, msgID uint32, body []byte) ([][]byte, error) {
	if !isKnownKind(kind) {
		return nil, errors.Join(ErrProtocol, ErrUnknownKind)
	}
	per := c.maxPayload()
	if len(body) > c.Limit() {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(body), c.Limit())
	}

	count := max(1, (len(body)+per-1)/per)
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * per
		hi := min(lo+per, len(body))
		chunk, err := EncodeChunk(Chunk{
			Kind:      kind,
			Flags:     flags,
			MessageID: msgID,
			Index:     uint16(i),
			Count:     uint16(count),
			Payload:   body[lo:hi],
		})
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	return out, nil
}
