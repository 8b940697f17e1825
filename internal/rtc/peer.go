package rtc

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/calmora/livebridge/internal/core"
)

// PeerConnection wraps a pion peer connection for the client role: it
// produces offers, applies remote answers and reports lifecycle changes
// through callback setters. The negotiator owns exactly one of these per
// handshake-capable session.
type PeerConnection struct {
	pc  *webrtc.PeerConnection
	sid core.SessionID

	onTrack        func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onConnected    func()
	onDisconnected func()
	onNegotiation  func()
}

func DefaultWebRTCConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

func NewPeerConnection(cfg webrtc.Configuration, sid core.SessionID) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{pc: pc, sid: sid}, nil
}

// Start wires the underlying event handlers. Callback setters must be called
// before Start.
func (c *PeerConnection) Start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(c.sid)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(c.sid)).Str("peer_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if c.onConnected != nil {
				c.onConnected()
			}
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			if c.onDisconnected != nil {
				c.onDisconnected()
			}
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("sid", string(c.sid)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(track, receiver)
		}
	})

	c.pc.OnNegotiationNeeded(func() {
		if c.onNegotiation != nil {
			c.onNegotiation()
		}
	})
}

// AddRecvOnlyAudioTransceiver guards against stacks that ignore implicit
// receive flags on the offer.
func (c *PeerConnection) AddRecvOnlyAudioTransceiver() error {
	_, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// CreateOfferWaitICE creates an offer, sets it locally and waits for ICE
// gathering to complete, bounded by timeout. On timeout it proceeds with
// whatever candidates were gathered rather than stalling the handshake.
func (c *PeerConnection) CreateOfferWaitICE(ctx context.Context, timeout time.Duration) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}

	select {
	case <-gatherComplete:
	case <-time.After(timeout):
		log.Warn().Str("module", "rtc").Str("sid", string(c.sid)).Msg("ICE gathering timeout, proceeding with partial candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return offer.SDP, nil
	}
	return local.SDP, nil
}

// ApplyAnswer sets the remote SDP answer.
func (c *PeerConnection) ApplyAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (c *PeerConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

// AddTrack attaches a local track to the connection.
func (c *PeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

// RemoveSender detaches a previously added track.
func (c *PeerConnection) RemoveSender(sender *webrtc.RTPSender) error {
	return c.pc.RemoveTrack(sender)
}

// Senders returns the current RTP senders.
func (c *PeerConnection) Senders() []*webrtc.RTPSender {
	return c.pc.GetSenders()
}

// CreateDataChannel opens an out-of-band text channel on the connection.
func (c *PeerConnection) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	return c.pc.CreateDataChannel(label, nil)
}

func (c *PeerConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *PeerConnection) OnConnected(fn func())    { c.onConnected = fn }
func (c *PeerConnection) OnDisconnected(fn func()) { c.onDisconnected = fn }

// OnNegotiationNeeded sets the callback fired when local media changes
// require a new offer.
func (c *PeerConnection) OnNegotiationNeeded(fn func()) { c.onNegotiation = fn }

func (c *PeerConnection) Close() {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Str("sid", string(c.sid)).Msg("closed")
}
