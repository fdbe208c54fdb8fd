package protocol

import (
	"encoding/binary"
	"errors"
)

const (
	magic0  byte = 0x50 // 'P'
	magic1  byte = 0x43 // 'C'
	Version byte = 0x01

	// HeaderLen is the fixed chunk header size.
	HeaderLen = 15

	// MaxChunkPayload is the largest payload the u16 length field can carry.
	MaxChunkPayload = 1<<16 - 1
)

// Chunk is one datagram on a link.
type Chunk struct {
	Kind      Kind
	Flags     byte
	MessageID uint32
	Index     uint16
	Count     uint16
	Payload   []byte
}

// AppendChunk appends the wire form of c to dst:
//
//	'P' 'C' | version | kind | flags | message id u32 | index u16 | count u16 | len u16 | payload
func AppendChunk(dst []byte, c Chunk) ([]byte, error) {
	if len(c.Payload) > MaxChunkPayload {
		return nil, errors.Join(ErrProtocol, ErrChunkTooLarge)
	}
	if c.Count == 0 || c.Index >= c.Count {
		return nil, errors.Join(ErrProtocol, ErrBadChunkIndex)
	}
	var hdr [HeaderLen]byte
	hdr[0] = magic0
	hdr[1] = magic1
	hdr[2] = Version
	hdr[3] = byte(c.Kind)
	hdr[4] = c.Flags
	binary.BigEndian.PutUint32(hdr[5:9], c.MessageID)
	binary.BigEndian.PutUint16(hdr[9:11], c.Index)
	binary.BigEndian.PutUint16(hdr[11:13], c.Count)
	binary.BigEndian.PutUint16(hdr[13:15], uint16(len(c.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, c.Payload...), nil
}

// EncodeChunk returns the wire form of c.
func EncodeChunk(c Chunk) ([]byte, error) {
	return AppendChunk(make([]byte, 0, HeaderLen+len(c.Payload)), c)
}

// DecodeChunk parses one datagram. The returned payload aliases b.
func DecodeChunk(b []byte) (Chunk, error) {
	if len(b) < HeaderLen {
		return Chunk{}, errors.Join(ErrProtocol, ErrLengthMismatch)
	}
	if b[0] != magic0 || b[1] != magic1 {
		return Chunk{}, errors.Join(ErrProtocol, ErrBadMagic)
	}
	if b[2] != Version {
		return Chunk{}, errors.Join(ErrProtocol, ErrBadVersion)
	}

	kind := Kind(b[3])
	if !isKnownKind(kind) {
		return Chunk{}, errors.Join(ErrProtocol, ErrUnknownKind)
	}
	flags := b[4]
	if flags&^knownFlags != 0 {
		return Chunk{}, errors.Join(ErrProtocol, ErrInvalidFlags)
	}

	c := Chunk{
		Kind:      kind,
		Flags:     flags,
		MessageID: binary.BigEndian.Uint32(b[5:9]),
		Index:     binary.BigEndian.Uint16(b[9:11]),
		Count:     binary.BigEndian.Uint16(b[11:13]),
	}
	if c.Count == 0 || c.Index >= c.Count {
		return Chunk{}, errors.Join(ErrProtocol, ErrBadChunkIndex)
	}
	payloadLn := int(binary.BigEndian.Uint16(b[13:15]))
	if payloadLn != len(b)-HeaderLen {
		return Chunk{}, errors.Join(ErrProtocol, ErrLengthMismatch)
	}
	c.Payload = b[HeaderLen:]
	return c, nil
}
