package protocol

// Kind is the chunk kind ID: which logical message the chunk belongs to.
type Kind byte

const (
	KindUpdate    Kind = 0x01
	KindKeepAlive Kind = 0x02
	KindControl   Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindKeepAlive:
		return "keepalive"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

func isKnownKind(k Kind) bool {
	switch k {
	case KindUpdate, KindKeepAlive, KindControl:
		return true
	default:
		return false
	}
}

// FlagKeyframe marks every chunk of an update that carries a full frame.
const FlagKeyframe byte = 0x01

const knownFlags = FlagKeyframe

// Message is one logical message after reassembly.
type Message struct {
	Kind  Kind
	Flags byte
	ID    uint32
	Body  []byte
}
