package protocol

import "errors"

var (
	// ErrProtocol is a generic sentinel for wire protocol violations.
	ErrProtocol = errors.New("peepcast protocol error")

	ErrBadMagic          = errors.New("bad magic")
	ErrBadVersion        = errors.New("unsupported version")
	ErrUnknownKind       = errors.New("unknown chunk kind")
	ErrInvalidFlags      = errors.New("invalid flags")
	ErrBadChunkIndex     = errors.New("chunk index out of range")
	ErrLengthMismatch    = errors.New("payload length mismatch")
	ErrCountMismatch     = errors.New("chunk count changed for message")
	ErrChunkTooLarge     = errors.New("chunk payload too large")
	ErrBadControl        = errors.New("malformed control message")
	ErrUnknownControl    = errors.New("unknown control message type")
	ErrMessageTooLarge   = errors.New("message exceeds chunking limit")
	ErrReassemblerClosed = errors.New("reassembler closed")
)
