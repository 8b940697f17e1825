package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/calmora/livebridge/internal/core"
	"github.com/calmora/livebridge/internal/protocol"
)

// DefaultICEGatherTimeout bounds the wait for ICE gathering before the local
// offer is sent with whatever candidates exist.
const DefaultICEGatherTimeout = 2500 * time.Millisecond

// ExchangeFunc posts a local SDP offer and returns the remote answer.
type ExchangeFunc func(ctx context.Context, offerSDP string) (string, error)

// NegotiatorConfig configures one negotiation controller.
type NegotiatorConfig struct {
	OfferURL         string
	Model            string
	STUNServers      []string
	ICEGatherTimeout time.Duration
	// Exchange overrides the HTTP SDP exchange; nil selects the resty POST.
	Exchange ExchangeFunc
}

// Negotiator owns the SDP offer/answer lifecycle for one session: the initial
// handshake, the pending-track queue and bounded renegotiation when local
// media changes. Failures surface through OnError without internal retries;
// retry policy belongs to the orchestrator.
type Negotiator struct {
	cfg      NegotiatorConfig
	sid      core.SessionID
	exchange ExchangeFunc
	http     *resty.Client

	mu               sync.Mutex
	peer             *PeerConnection
	dataChannel      *webrtc.DataChannel
	pendingTracks    []webrtc.TrackLocal
	negotiating      bool
	hasInitialAnswer bool
	closed           bool

	onError      func(*core.Error)
	onTranscript func(core.TranscriptEvent)
	onAudioTrack func(*webrtc.TrackRemote)
	onConnected  func()
	onClosed     func()
}

func NewNegotiator(cfg NegotiatorConfig, sid core.SessionID) *Negotiator {
	if cfg.ICEGatherTimeout <= 0 {
		cfg.ICEGatherTimeout = DefaultICEGatherTimeout
	}
	n := &Negotiator{cfg: cfg, sid: sid, http: resty.New()}
	n.exchange = cfg.Exchange
	if n.exchange == nil {
		n.exchange = n.httpExchange
	}
	return n
}

func (n *Negotiator) OnError(fn func(*core.Error))               { n.onError = fn }
func (n *Negotiator) OnTranscript(fn func(core.TranscriptEvent)) { n.onTranscript = fn }
func (n *Negotiator) OnAudioTrack(fn func(*webrtc.TrackRemote))  { n.onAudioTrack = fn }
func (n *Negotiator) OnConnected(fn func())                      { n.onConnected = fn }
func (n *Negotiator) OnClosed(fn func())                         { n.onClosed = fn }

// Connect runs the initial offer/answer exchange. It is a no-op if a peer
// connection already exists.
func (n *Negotiator) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.peer != nil || n.closed {
		n.mu.Unlock()
		return nil
	}

	peer, err := NewPeerConnection(DefaultWebRTCConfig(n.cfg.STUNServers), n.sid)
	if err != nil {
		n.mu.Unlock()
		return n.failf(err, "peer connection construction failed")
	}
	n.peer = peer
	pending := n.pendingTracks
	n.pendingTracks = nil
	n.mu.Unlock()

	peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio && n.onAudioTrack != nil {
			n.onAudioTrack(track)
		}
	})
	peer.OnConnected(func() {
		if n.onConnected != nil {
			n.onConnected()
		}
	})
	peer.OnDisconnected(func() {
		if n.onClosed != nil {
			n.onClosed()
		}
	})
	peer.OnNegotiationNeeded(func() {
		// Ignore the signal until the initial handshake has settled; a
		// premature renegotiation would collide with the pending exchange.
		n.mu.Lock()
		ready := n.hasInitialAnswer
		n.mu.Unlock()
		if !ready {
			log.Debug().Str("module", "rtc").Str("sid", string(n.sid)).Msg("negotiation-needed ignored, no initial answer yet")
			return
		}
		if peer.SignalingState() != webrtc.SignalingStateStable {
			return
		}
		if err := n.negotiate(context.Background()); err != nil {
			n.reportError(core.AsError(err))
		}
	})
	peer.Start()

	dc, err := peer.CreateDataChannel("oob-text")
	if err != nil {
		return n.failf(err, "data channel creation failed")
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if ev, ok := protocol.DecodeDataChannelText(msg.Data); ok && n.onTranscript != nil {
			n.onTranscript(ev)
		}
	})
	n.mu.Lock()
	n.dataChannel = dc
	n.mu.Unlock()

	if err := peer.AddRecvOnlyAudioTransceiver(); err != nil {
		// Non-fatal: the offer still requests audio receive.
		log.Warn().Err(err).Str("module", "rtc").Str("sid", string(n.sid)).Msg("recvonly transceiver failed")
	}

	// Tracks queued before the connection existed are attached before the
	// initial offer so one exchange covers them.
	for _, track := range pending {
		if _, err := peer.AddTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("sid", string(n.sid)).Msg("queued track attach failed")
		}
	}

	offerSDP, err := peer.CreateOfferWaitICE(ctx, n.cfg.ICEGatherTimeout)
	if err != nil {
		return n.failf(err, "offer creation failed")
	}

	answerSDP, err := n.exchange(ctx, offerSDP)
	if err != nil {
		return n.failf(err, "sdp exchange failed")
	}
	if err := peer.ApplyAnswer(answerSDP); err != nil {
		return n.failf(err, "remote answer rejected")
	}

	n.mu.Lock()
	n.hasInitialAnswer = true
	n.mu.Unlock()
	log.Info().Str("module", "rtc").Str("sid", string(n.sid)).Msg("initial handshake complete")
	return nil
}

// AddTracks attaches local media tracks. Before Connect the tracks are
// queued; afterwards they are added immediately and, once the initial
// handshake has completed, a renegotiation is triggered.
func (n *Negotiator) AddTracks(ctx context.Context, tracks ...webrtc.TrackLocal) error {
	n.mu.Lock()
	if n.peer == nil {
		n.pendingTracks = append(n.pendingTracks, tracks...)
		n.mu.Unlock()
		return nil
	}
	peer := n.peer
	renegotiate := n.hasInitialAnswer
	n.mu.Unlock()

	for _, track := range tracks {
		if _, err := peer.AddTrack(track); err != nil {
			return core.NewNegotiationError("track attach failed", err)
		}
	}
	if renegotiate {
		if err := n.negotiate(ctx); err != nil {
			return core.AsError(err)
		}
	}
	return nil
}

// RemoveTrack detaches the sender carrying track and renegotiates.
func (n *Negotiator) RemoveTrack(ctx context.Context, track webrtc.TrackLocal) error {
	n.mu.Lock()
	peer := n.peer
	renegotiate := n.hasInitialAnswer
	n.mu.Unlock()
	if peer == nil {
		return nil
	}
	for _, sender := range peer.Senders() {
		if sender.Track() == track {
			if err := peer.RemoveSender(sender); err != nil {
				return core.NewNegotiationError("track removal failed", err)
			}
		}
	}
	if renegotiate {
		return n.negotiate(ctx)
	}
	return nil
}

// SendText delivers user text over the out-of-band data channel.
func (n *Negotiator) SendText(text string) error {
	n.mu.Lock()
	dc := n.dataChannel
	n.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return core.NewProtocolError("data channel not open", nil)
	}
	payload, err := protocol.EncodeUserText(text)
	if err != nil {
		return core.NewProtocolError("user text encode failed", err)
	}
	return dc.Send(payload)
}

// HasInitialAnswer reports whether the first offer/answer cycle finished.
func (n *Negotiator) HasInitialAnswer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hasInitialAnswer
}

// PendingTrackCount reports how many tracks are queued for attach.
func (n *Negotiator) PendingTrackCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pendingTracks)
}

// SenderCount reports attached senders on the live connection.
func (n *Negotiator) SenderCount() int {
	n.mu.Lock()
	peer := n.peer
	n.mu.Unlock()
	if peer == nil {
		return 0
	}
	return len(peer.Senders())
}

// negotiate runs one renegotiation cycle. Concurrent calls collapse into a
// single in-flight exchange; the guard is released on every exit path.
func (n *Negotiator) negotiate(ctx context.Context) error {
	n.mu.Lock()
	if n.peer == nil || n.closed {
		n.mu.Unlock()
		return nil
	}
	if n.negotiating {
		n.mu.Unlock()
		log.Debug().Str("module", "rtc").Str("sid", string(n.sid)).Msg("negotiation already in flight, skipping")
		return nil
	}
	n.negotiating = true
	peer := n.peer
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.negotiating = false
		n.mu.Unlock()
	}()

	offerSDP, err := peer.CreateOfferWaitICE(ctx, n.cfg.ICEGatherTimeout)
	if err != nil {
		return core.NewNegotiationError("renegotiation offer failed", err)
	}
	answerSDP, err := n.exchange(ctx, offerSDP)
	if err != nil {
		return core.NewNegotiationError("renegotiation exchange failed", err)
	}
	if err := peer.ApplyAnswer(answerSDP); err != nil {
		return core.NewNegotiationError("renegotiation answer rejected", err)
	}
	log.Info().Str("module", "rtc").Str("sid", string(n.sid)).Msg("renegotiation complete")
	return nil
}

// httpExchange posts the offer as application/sdp and returns the answer
// body. Non-2xx bodies are surfaced verbatim in the error message.
func (n *Negotiator) httpExchange(ctx context.Context, offerSDP string) (string, error) {
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/sdp").
		SetQueryParam("model", n.cfg.Model).
		SetBody(offerSDP).
		Post(n.cfg.OfferURL)
	if err != nil {
		return "", core.NewNetworkError("offer exchange request failed", err)
	}
	if !resp.IsSuccess() {
		return "", core.NewNegotiationError(
			fmt.Sprintf("offer exchange failed (%d): %s", resp.StatusCode(), resp.String()), nil)
	}
	return resp.String(), nil
}

func (n *Negotiator) failf(err error, msg string) *core.Error {
	e := core.NewNegotiationError(msg, err)
	if inner, ok := err.(*core.Error); ok && inner.Kind == core.ErrNetworkOrTimeout {
		e = inner
	}
	n.reportError(e)
	return e
}

func (n *Negotiator) reportError(e *core.Error) {
	if n.onError != nil {
		n.onError(e)
	}
}

// Close stops sender tracks and tears down the peer connection.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	peer := n.peer
	dc := n.dataChannel
	n.peer = nil
	n.dataChannel = nil
	n.pendingTracks = nil
	n.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if peer != nil {
		peer.Close()
	}
}
