package protocol

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

const keepAliveLen = 16 + 8

// KeepAlive tells the viewer the session is alive while content is unchanged.
type KeepAlive struct {
	SessionID uuid.UUID
	Timestamp time.Time
}

// EncodeKeepAlive returns the body of a KindKeepAlive message.
func EncodeKeepAlive(k KeepAlive) []byte {
	b := make([]byte, 0, keepAliveLen)
	b = append(b, k.SessionID[:]...)
	return binary.BigEndian.AppendUint64(b, uint64(unixNano(k.Timestamp)))
}

// DecodeKeepAlive parses the body of a KindKeepAlive message.
func DecodeKeepAlive(body []byte) (KeepAlive, error) {
	if len(body) != keepAliveLen {
		return KeepAlive{}, errors.Join(ErrProtocol, ErrLengthMismatch)
	}
	var k KeepAlive
	copy(k.SessionID[:], body[:16])
	k.Timestamp = fromUnixNano(int64(binary.BigEndian.Uint64(body[16:])))
	return k, nil
}
