package signal

// SignalMessage is a JSON text message exchanged on /ws/{room} before the
// connection carries chunks (WebSocket mode) or hands over to WebRTC.
type SignalMessage struct {
	Type     string `json:"type"`               // join, joined, offer, answer, error, password-required, password-invalid
	Room     string `json:"room,omitempty"`     // room code
	Password string `json:"password,omitempty"` // room password (for joining protected rooms)
	Mode     string `json:"mode,omitempty"`     // websocket or webrtc
	SDP      string `json:"sdp,omitempty"`      // SDP offer/answer, full ICE gathering, no trickle
	Error    string `json:"error,omitempty"`    // error message
	Version  int    `json:"version,omitempty"`  // wire protocol version the sharer speaks
}

// Mode selects how chunks travel after the join.
type Mode string

const (
	// ModeWebSocket keeps using the signaling WebSocket for binary chunks.
	ModeWebSocket Mode = "websocket"
	// ModeWebRTC negotiates an unordered, unreliable data channel.
	ModeWebRTC Mode = "webrtc"
)

// ParseMode parses a --transport flag value; unknown values select WebSocket.
func ParseMode(value string) Mode {
	switch Mode(value) {
	case ModeWebRTC, "rtc":
		return ModeWebRTC
	default:
		return ModeWebSocket
	}
}
