package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ControlType is the first byte of a control message body.
type ControlType byte

const (
	ControlOpen            ControlType = 0x01
	ControlOpened          ControlType = 0x02
	ControlClose           ControlType = 0x03
	ControlKeyframeRequest ControlType = 0x04
	ControlFeedback        ControlType = 0x05
	ControlQuality         ControlType = 0x06
	ControlError           ControlType = 0x07
)

// ControlMessage is implemented by every control message.
type ControlMessage interface {
	ControlType() ControlType
	appendTo(b []byte) []byte
}

// Open is sent by the sharer to start a session.
type Open struct {
	Width      int
	Height     int
	Tier       int
	Codec      string
	Compressor string
}

// Opened acknowledges Open with the session id assigned by the viewer.
type Opened struct {
	SessionID uuid.UUID
}

// Close ends a session from either side.
type Close struct {
	SessionID uuid.UUID
	Reason    string
}

// KeyframeRequest asks the sharer to send a full frame next.
type KeyframeRequest struct {
	LastSeq uint64
	Reason  string
}

// Feedback is the viewer's periodic report. Echo is the sender timestamp of
// the newest update or keep-alive received and Hold is how long the viewer
// held it before replying, so the sharer can compute RTT as now-Echo-Hold.
type Feedback struct {
	LastSeq   uint64
	Completed uint32
	Expired   uint32
	Gaps      uint32
	Bytes     uint64
	Echo      time.Time
	Hold      time.Duration
}

// Quality caps the tier the sharer may use.
type Quality struct {
	MaxTier int
}

// Error reports a rejected request, such as an Open the viewer cannot accept.
type Error struct {
	Code    uint16
	Message string
}

const (
	ErrorCodeBusy        uint16 = 1
	ErrorCodeUnsupported uint16 = 2
	ErrorCodeBadRequest  uint16 = 3
)

func (Open) ControlType() ControlType            { return ControlOpen }
func (Opened) ControlType() ControlType          { return ControlOpened }
func (Close) ControlType() ControlType           { return ControlClose }
func (KeyframeRequest) ControlType() ControlType { return ControlKeyframeRequest }
func (Feedback) ControlType() ControlType        { return ControlFeedback }
func (Quality) ControlType() ControlType         { return ControlQuality }
func (Error) ControlType() ControlType           { return ControlError }

func (e Error) Error() string { return fmt.Sprintf("remote error %d: %s", e.Code, e.Message) }

func appendString(b []byte, s string) []byte {
	if len(s) > 1<<16-1 {
		s = s[:1<<16-1]
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (m Open) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(m.Width))
	b = binary.BigEndian.AppendUint16(b, uint16(m.Height))
	b = append(b, byte(m.Tier))
	b = appendString(b, m.Codec)
	return appendString(b, m.Compressor)
}

func (m Opened) appendTo(b []byte) []byte { return append(b, m.SessionID[:]...) }

func (m Close) appendTo(b []byte) []byte {
	b = append(b, m.SessionID[:]...)
	return appendString(b, m.Reason)
}

func (m KeyframeRequest) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, m.LastSeq)
	return appendString(b, m.Reason)
}

func (m Feedback) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, m.LastSeq)
	b = binary.BigEndian.AppendUint32(b, m.Completed)
	b = binary.BigEndian.AppendUint32(b, m.Expired)
	b = binary.BigEndian.AppendUint32(b, m.Gaps)
	b = binary.BigEndian.AppendUint64(b, m.Bytes)
	b = binary.BigEndian.AppendUint64(b, uint64(unixNano(m.Echo)))
	return binary.BigEndian.AppendUint64(b, uint64(m.Hold))
}

func (m Quality) appendTo(b []byte) []byte { return append(b, byte(m.MaxTier)) }

func (m Error) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, m.Code)
	return appendString(b, m.Message)
}

// EncodeControl returns the body of a KindControl message.
func EncodeControl(m ControlMessage) []byte {
	return m.appendTo([]byte{byte(m.ControlType())})
}

// reader consumes a control body; the first short read sets err.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = errors.Join(ErrProtocol, ErrBadControl)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) uuid() uuid.UUID {
	var id uuid.UUID
	if b := r.take(len(id)); b != nil {
		copy(id[:], b)
	}
	return id
}

func (r *reader) str() string {
	n := int(r.u16())
	return string(r.take(n))
}

// DecodeControl parses the body of a KindControl message.
func DecodeControl(body []byte) (ControlMessage, error) {
	if len(body) == 0 {
		return nil, errors.Join(ErrProtocol, ErrBadControl)
	}
	r := &reader{b: body[1:]}
	var m ControlMessage
	switch ControlType(body[0]) {
	case ControlOpen:
		m = Open{
			Width:      int(r.u16()),
			Height:     int(r.u16()),
			Tier:       int(r.u8()),
			Codec:      r.str(),
			Compressor: r.str(),
		}
	case ControlOpened:
		m = Opened{SessionID: r.uuid()}
	case ControlClose:
		m = Close{SessionID: r.uuid(), Reason: r.str()}
	case ControlKeyframeRequest:
		m = KeyframeRequest{LastSeq: r.u64(), Reason: r.str()}
	case ControlFeedback:
		m = Feedback{
			LastSeq:   r.u64(),
			Completed: r.u32(),
			Expired:   r.u32(),
			Gaps:      r.u32(),
			Bytes:     r.u64(),
			Echo:      fromUnixNano(int64(r.u64())),
			Hold:      time.Duration(r.u64()),
		}
	case ControlQuality:
		m = Quality{MaxTier: int(r.u8())}
	case ControlError:
		m = Error{Code: r.u16(), Message: r.str()}
	default:
		return nil, errors.Join(ErrProtocol, ErrUnknownControl)
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != 0 {
		return nil, errors.Join(ErrProtocol, ErrBadControl)
	}
	return m, nil
}
