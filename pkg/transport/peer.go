package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v3"
)

// DataChannelLabel names the data channel carrying chunks.
const DataChannelLabel = "peepcast"

// ICE servers for NAT traversal
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ErrPeerFailed is returned when the peer connection fails before the data
// channel opens.
var ErrPeerFailed = errors.New("peer connection failed")

// ICEConfig holds ICE server configuration
type ICEConfig struct {
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool
	LANOnly     bool // host candidates only, no STUN
}

// Configuration builds the pion configuration: STUN servers unless relay is
// forced, plus the TURN server when one is set.
func (c ICEConfig) Configuration() webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0)

	if !c.ForceRelay && !c.LANOnly {
		stun := c.STUNServers
		if len(stun) == 0 {
			stun = defaultSTUNServers
		}
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stun})
	}

	if c.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{c.TURNServer},
		}
		if c.TURNUser != "" {
			turnServer.Username = c.TURNUser
			turnServer.Credential = c.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	iceTransportPolicy := webrtc.ICETransportPolicyAll
	if c.ForceRelay {
		iceTransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: iceTransportPolicy,
	}
}

// Peer is one WebRTC connection carrying a single unordered, unreliable
// data channel. The sharer creates the offer; the viewer answers.
type Peer struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	opened   chan struct{}
	failed   chan struct{}
	failOnce sync.Once
	connType string
}

func newPeer(cfg ICEConfig) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg.Configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	p := &Peer{
		pc:       pc,
		opened:   make(chan struct{}),
		failed:   make(chan struct{}),
		connType: "unknown",
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("Peer connection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			ct := detectConnectionType(pc)
			p.mu.Lock()
			p.connType = ct
			p.mu.Unlock()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.failOnce.Do(func() { close(p.failed) })
		}
	})
	return p, nil
}

func (p *Peer) attach(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
	dc.OnOpen(func() {
		log.Printf("Data channel %s open", dc.Label())
		close(p.opened)
	})
}

// NewOfferer creates the sharer side and its data channel.
func NewOfferer(cfg ICEConfig) (*Peer, error) {
	p, err := newPeer(cfg)
	if err != nil {
		return nil, err
	}
	ordered := false
	var maxRetransmits uint16
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		p.pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	p.attach(dc)
	return p, nil
}

// NewAnswerer creates the viewer side; the data channel arrives with the offer.
func NewAnswerer(cfg ICEConfig) (*Peer, error) {
	p, err := newPeer(cfg)
	if err != nil {
		return nil, err
	}
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			log.Printf("Ignoring data channel %q", dc.Label())
			return
		}
		p.attach(dc)
	})
	return p, nil
}

// gather sets the local description and waits for ICE gathering so the
// returned SDP carries every candidate.
func (p *Peer) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

// Offer creates the SDP offer.
func (p *Peer) Offer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	return p.gather(ctx, offer)
}

// AcceptAnswer applies the viewer's SDP answer.
func (p *Peer) AcceptAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// Answer applies the sharer's offer and returns the SDP answer.
func (p *Peer) Answer(ctx context.Context, offerSDP string) (string, error) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	})
	if err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	return p.gather(ctx, answer)
}

// Link waits for the data channel to open and returns it as a Link.
func (p *Peer) Link(ctx context.Context) (*DataChannelLink, error) {
	select {
	case <-p.opened:
	case <-p.failed:
		return nil, ErrPeerFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	return newDataChannelLink(p, dc), nil
}

// ConnectionType reports "direct", "relay" or "unknown".
func (p *Peer) ConnectionType() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connType
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

// detectConnectionType checks if connection is direct or relayed
func detectConnectionType(pc *webrtc.PeerConnection) string {
	stats := pc.GetStats()

	for _, stat := range stats {
		candidatePair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || candidatePair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		local, ok := stats[candidatePair.LocalCandidateID].(webrtc.ICECandidateStats)
		if !ok {
			continue
		}
		switch local.CandidateType {
		case webrtc.ICECandidateTypeRelay:
			return "relay"
		case webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
			return "direct"
		}
	}
	return "unknown"
}
