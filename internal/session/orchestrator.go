package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/calmora/livebridge/internal/core"
	"github.com/calmora/livebridge/internal/media"
	"github.com/calmora/livebridge/internal/protocol"
	"github.com/calmora/livebridge/internal/rtc"
	"github.com/calmora/livebridge/internal/transport"
)

// Mode selects the session backend.
type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

// ConnState is the coarse connection state exposed to the UI.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateError      ConnState = "error"
)

// DefaultMaxRetries caps the backoff schedule (1s, 2s, 4s).
const DefaultMaxRetries = 3

// Config parameterizes one orchestrator.
type Config struct {
	Mode              Mode
	Model             string
	SystemInstruction string
	OfferURL          string
	SignalURL         string
	SampleRate        int
	Features          protocol.AudioFeatures
	SetupTimeout      time.Duration
	ICEGatherTimeout  time.Duration
	MaxRetries        int
	STUNServers       []string

	// TransportFactory overrides the signaling transport; nil dials
	// SignalURL over WebSocket. Used by the gateway and by tests.
	TransportFactory func() core.SignalTransport
	// Exchange overrides the SDP exchange for the WebRTC path.
	Exchange rtc.ExchangeFunc
	// VideoTrackFactory supplies local video/screen tracks for the peer
	// connection; nil disables track attachment for those kinds.
	VideoTrackFactory func(kind media.TrackKind) (webrtc.TrackLocal, error)
	// Backoff overrides the retry schedule; attempt is 1-based.
	Backoff func(attempt int) time.Duration
	// MockTuning rescales mock delays, for tests.
	MockTuning func(*Mock)
}

// Orchestrator composes capture, negotiation and the protocol machine into
// connect/disconnect/toggle operations with retry, backoff and live-to-mock
// fallback. All mutable state is instance state; every connect creates a
// fresh Session identity.
type Orchestrator struct {
	cfg   Config
	media *media.Manager

	mu               sync.Mutex
	sid              core.SessionID
	state            ConnState
	liveMode         Mode
	autoFallbackUsed bool
	retryAttempts    int
	retryTimer       *time.Timer
	lastErr          *core.Error

	machine    *protocol.Machine
	negotiator *rtc.Negotiator
	mock       *Mock

	micOn    bool
	cameraOn bool
	screenOn bool

	videoSenders map[media.TrackKind]webrtc.TrackLocal

	onEvent func(core.Event)
}

// NewOrchestrator wires an orchestrator around the given capture manager.
func NewOrchestrator(cfg Config, mediaMgr *media.Manager) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * time.Second
		}
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeLive
	}
	return &Orchestrator{
		cfg:          cfg,
		media:        mediaMgr,
		state:        StateIdle,
		liveMode:     mode,
		videoSenders: make(map[media.TrackKind]webrtc.TrackLocal),
	}
}

// OnEvent sets the single consumer for the session event stream.
func (o *Orchestrator) OnEvent(fn func(core.Event)) { o.onEvent = fn }

func (o *Orchestrator) emit(ev core.Event) {
	if o.onEvent != nil {
		o.onEvent(ev)
	}
}

// State returns the UI-facing connection state.
func (o *Orchestrator) State() ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LiveMode reports whether the session targets the live or mock backend.
func (o *Orchestrator) LiveMode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.liveMode
}

// LastError returns the most recent classified error, if any.
func (o *Orchestrator) LastError() *core.Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// SessionID returns the identity of the current session.
func (o *Orchestrator) SessionID() core.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sid
}

// AutoFallbackUsed reports whether the one-shot mock fallback has fired.
func (o *Orchestrator) AutoFallbackUsed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autoFallbackUsed
}

// Connect establishes a session. It is a no-op when already connected or
// connecting; concurrent calls collapse on the connecting state.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateConnected || o.state == StateConnecting {
		o.mu.Unlock()
		return nil
	}
	o.state = StateConnecting
	o.lastErr = nil
	o.sid = core.SessionID(uuid.NewString())
	mode := o.liveMode
	o.mu.Unlock()

	log.Info().Str("module", "session").Str("sid", string(o.sid)).Str("mode", string(mode)).Msg("connect")

	if mode == ModeMock {
		return o.connectMock()
	}
	return o.connectLive(ctx)
}

func (o *Orchestrator) connectMock() error {
	mock := NewMock(o.emit)
	if o.cfg.MockTuning != nil {
		o.cfg.MockTuning(mock)
	}
	o.mu.Lock()
	o.mock = mock
	o.mu.Unlock()

	if err := mock.Connect(); err != nil {
		return o.failConnect(core.AsError(err))
	}
	o.mu.Lock()
	o.state = StateConnected
	o.mu.Unlock()
	return nil
}

// connectLive runs the full live sequence: permission check, capture start,
// negotiation controller construction, track attachment and the initial
// offer/answer exchange. Steps are awaited sequentially so later steps never
// race earlier ones.
func (o *Orchestrator) connectLive(ctx context.Context) error {
	if state := o.media.ProbePermission(media.KindAudio); state == media.PermissionDenied {
		err := core.NewPermissionDeniedError("microphone")
		o.mu.Lock()
		o.state = StateError
		o.lastErr = err
		o.mu.Unlock()
		o.emit(core.ErrorEvent{Err: err})
		return err
	}

	if err := o.media.StartCapture(o.forwardPCM); err != nil {
		e := core.AsError(err)
		switch e.Kind {
		case core.ErrPermissionDenied, core.ErrDeviceNotFound, core.ErrDeviceBusy:
			// Device failures surface immediately; no retry, no fallback.
			o.mu.Lock()
			o.state = StateError
			o.lastErr = e
			o.mu.Unlock()
			o.emit(core.ErrorEvent{Err: e})
			return e
		default:
			return o.failConnect(e)
		}
	}

	if o.cfg.OfferURL != "" || o.cfg.Exchange != nil {
		if err := o.connectWebRTC(ctx); err != nil {
			return err
		}
	} else {
		if err := o.connectSignaling(o.newTransport()); err != nil {
			return err
		}
	}

	o.mu.Lock()
	o.state = StateConnected
	o.retryAttempts = 0
	o.micOn = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) newTransport() core.SignalTransport {
	if o.cfg.TransportFactory != nil {
		return o.cfg.TransportFactory()
	}
	return transport.NewWS(o.cfg.SignalURL)
}

// connectSignaling runs the protocol machine over a message-based channel.
func (o *Orchestrator) connectSignaling(tr core.SignalTransport) error {
	machine := protocol.NewMachine(protocol.Config{
		Model:             o.cfg.Model,
		SystemInstruction: o.cfg.SystemInstruction,
		SampleRate:        o.cfg.SampleRate,
		Features:          o.cfg.Features,
		SetupTimeout:      o.cfg.SetupTimeout,
	}, tr, o.handleMachineEvent)

	o.mu.Lock()
	o.machine = machine
	o.mu.Unlock()

	// Machine failures reach handleRuntimeError through the emitted error
	// event, so the returned error is not routed through the policy again.
	if err := machine.Connect(); err != nil {
		return core.AsError(err)
	}
	return nil
}

// connectWebRTC constructs the negotiation controller, attaches the mic
// track and runs the initial SDP exchange; transcripts arrive over the
// out-of-band data channel.
func (o *Orchestrator) connectWebRTC(ctx context.Context) error {
	neg := rtc.NewNegotiator(rtc.NegotiatorConfig{
		OfferURL:         o.cfg.OfferURL,
		Model:            o.cfg.Model,
		STUNServers:      o.cfg.STUNServers,
		ICEGatherTimeout: o.cfg.ICEGatherTimeout,
		Exchange:         o.cfg.Exchange,
	}, o.sid)
	neg.OnTranscript(func(ev core.TranscriptEvent) { o.emit(ev) })
	neg.OnConnected(func() {
		// ICE settles after the answer is applied; surface it so the UI can
		// distinguish "handshake done" from "media flowing".
		o.emit(core.StateChangedEvent{From: string(StateConnecting), To: string(StateConnected)})
	})
	neg.OnError(func(e *core.Error) { o.handleRuntimeError(e) })
	neg.OnClosed(func() { o.handleRuntimeError(core.NewNetworkError("peer connection closed", nil)) })

	o.mu.Lock()
	o.negotiator = neg
	o.mu.Unlock()

	if track, err := o.localTrack(media.KindAudio); err == nil && track != nil {
		if err := neg.AddTracks(ctx, track); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("mic track attach failed")
		}
	}

	// Negotiator failures reach handleRuntimeError through OnError, so the
	// returned error is not routed through the policy again.
	if err := neg.Connect(ctx); err != nil {
		return core.AsError(err)
	}
	return nil
}

// forwardPCM bridges capture output into the active signaling channel.
func (o *Orchestrator) forwardPCM(pcm []byte, _ float64) {
	o.mu.Lock()
	machine := o.machine
	mock := o.mock
	o.mu.Unlock()
	if machine != nil {
		_ = machine.SendAudioPCM(pcm)
		return
	}
	if mock != nil {
		_ = mock.SendAudioPCM(pcm)
	}
}

func (o *Orchestrator) handleMachineEvent(ev core.Event) {
	if errEv, ok := ev.(core.ErrorEvent); ok {
		o.handleRuntimeError(errEv.Err)
		return
	}
	o.emit(ev)
}

// handleRuntimeError applies the propagation policy: retryable errors get
// the backoff schedule up to the cap, then the one-shot mock fallback;
// non-retryable device errors surface immediately.
func (o *Orchestrator) handleRuntimeError(e *core.Error) {
	o.mu.Lock()
	o.lastErr = e
	retryable := e.IsRetryable()
	attempts := o.retryAttempts
	fallbackAvailable := !o.autoFallbackUsed
	o.mu.Unlock()

	if retryable && attempts < o.cfg.MaxRetries {
		o.scheduleRetry(attempts + 1)
		return
	}
	if retryable && fallbackAvailable {
		o.fallbackToMock(e)
		return
	}
	if !retryable && fallbackAvailable && e.Kind != core.ErrPermissionDenied &&
		e.Kind != core.ErrDeviceNotFound && e.Kind != core.ErrDeviceBusy {
		o.fallbackToMock(e)
		return
	}
	o.mu.Lock()
	o.state = StateError
	o.mu.Unlock()
	o.emit(core.ErrorEvent{Err: e})
}

// failConnect routes a connect-time failure through the same policy,
// counting it as one failed attempt.
func (o *Orchestrator) failConnect(e *core.Error) error {
	o.handleRuntimeError(e)
	return e
}

func (o *Orchestrator) scheduleRetry(attempt int) {
	delay := o.cfg.Backoff(attempt)
	log.Info().Str("module", "session").Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	o.mu.Lock()
	o.retryAttempts = attempt
	o.state = StateConnecting
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	o.retryTimer = time.AfterFunc(delay, func() {
		o.teardownBackends()
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		if err := o.Connect(context.Background()); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("reconnect attempt failed")
		}
	})
	o.mu.Unlock()
}

// fallbackToMock switches the session to the mock backend once per session.
func (o *Orchestrator) fallbackToMock(cause *core.Error) {
	log.Warn().Err(cause).Str("module", "session").Msg("live connect failed, falling back to mock")
	o.teardownBackends()
	o.mu.Lock()
	o.autoFallbackUsed = true
	o.liveMode = ModeMock
	o.state = StateIdle
	o.retryAttempts = 0
	o.mu.Unlock()
	if err := o.Connect(context.Background()); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("mock fallback connect failed")
	}
}

// RetryLive resets fallback state and attempts a fresh live session.
func (o *Orchestrator) RetryLive(ctx context.Context) error {
	o.Disconnect()
	o.mu.Lock()
	o.liveMode = ModeLive
	o.autoFallbackUsed = false
	o.retryAttempts = 0
	o.mu.Unlock()
	return o.Connect(ctx)
}

// Disconnect stops capture, closes all backends and cancels pending timers.
// Safe to call on every exit path, including mid-connect.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()

	o.media.StopCapture()
	o.teardownBackends()

	o.mu.Lock()
	o.state = StateIdle
	o.micOn = false
	o.cameraOn = false
	o.screenOn = false
	o.mu.Unlock()
}

func (o *Orchestrator) teardownBackends() {
	o.mu.Lock()
	machine := o.machine
	neg := o.negotiator
	mock := o.mock
	o.machine = nil
	o.negotiator = nil
	o.mock = nil
	o.mu.Unlock()

	if machine != nil {
		machine.Close()
	}
	if neg != nil {
		neg.Close()
	}
	if mock != nil {
		mock.Close()
	}
}

// SendUserText routes one user text turn to the active backend.
func (o *Orchestrator) SendUserText(text string) error {
	if text == "" {
		return nil
	}
	o.mu.Lock()
	machine := o.machine
	neg := o.negotiator
	mock := o.mock
	o.mu.Unlock()

	o.emit(core.TranscriptEvent{Role: core.RoleUser, Text: text, IsFinal: true, Timestamp: time.Now()})
	switch {
	case mock != nil:
		return mock.SendText(text)
	case machine != nil:
		return machine.SendText(text)
	case neg != nil:
		return neg.SendText(text)
	}
	return core.NewProtocolError("no active session", nil)
}

// ToggleMic starts or stops microphone capture and keeps the peer
// connection's senders in sync.
func (o *Orchestrator) ToggleMic(ctx context.Context) error {
	o.mu.Lock()
	on := o.micOn
	neg := o.negotiator
	o.mu.Unlock()

	if !on {
		if state := o.media.ProbePermission(media.KindAudio); state == media.PermissionDenied {
			err := core.NewPermissionDeniedError("microphone")
			o.emit(core.ErrorEvent{Err: err})
			return err
		}
		if err := o.media.StartCapture(o.forwardPCM); err != nil {
			e := core.AsError(err)
			o.emit(core.ErrorEvent{Err: e})
			return e
		}
		if neg != nil {
			if track, err := o.localTrack(media.KindAudio); err == nil && track != nil {
				if err := neg.AddTracks(ctx, track); err != nil {
					log.Warn().Err(err).Str("module", "session").Msg("mic renegotiation failed")
				}
			}
		}
		o.mu.Lock()
		o.micOn = true
		o.mu.Unlock()
		return nil
	}

	o.media.StopCapture()
	o.mu.Lock()
	o.micOn = false
	o.mu.Unlock()
	return nil
}

// ToggleCamera acquires or releases the camera track.
func (o *Orchestrator) ToggleCamera(ctx context.Context) error {
	return o.toggleVideo(ctx, media.KindVideo)
}

// ToggleScreen acquires or releases the screen-share track.
func (o *Orchestrator) ToggleScreen(ctx context.Context) error {
	return o.toggleVideo(ctx, media.KindScreen)
}

func (o *Orchestrator) toggleVideo(ctx context.Context, kind media.TrackKind) error {
	o.mu.Lock()
	var on bool
	if kind == media.KindVideo {
		on = o.cameraOn
	} else {
		on = o.screenOn
	}
	neg := o.negotiator
	o.mu.Unlock()

	if !on {
		track, err := o.localTrack(kind)
		if err != nil {
			e := core.AsError(err)
			o.emit(core.ErrorEvent{Err: e})
			return e
		}
		if neg != nil && track != nil {
			if err := neg.AddTracks(ctx, track); err != nil {
				return core.AsError(err)
			}
		}
		o.setVideoState(kind, true, track)
		return nil
	}

	o.mu.Lock()
	track := o.videoSenders[kind]
	o.mu.Unlock()
	if neg != nil && track != nil {
		if err := neg.RemoveTrack(ctx, track); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("video track removal failed")
		}
	}
	o.setVideoState(kind, false, nil)
	return nil
}

func (o *Orchestrator) setVideoState(kind media.TrackKind, on bool, track webrtc.TrackLocal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if kind == media.KindVideo {
		o.cameraOn = on
	} else {
		o.screenOn = on
	}
	if on {
		o.videoSenders[kind] = track
	} else {
		delete(o.videoSenders, kind)
	}
}

// SetAudioQuality switches the capture tier without disturbing session or
// negotiation state.
func (o *Orchestrator) SetAudioQuality(tier media.QualityTier) error {
	return o.media.SetTier(tier)
}

func (o *Orchestrator) localTrack(kind media.TrackKind) (webrtc.TrackLocal, error) {
	if kind == media.KindAudio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"mic", "livebridge-audio",
		)
		if err != nil {
			return nil, err
		}
		return track, nil
	}
	if o.cfg.VideoTrackFactory == nil {
		return nil, nil
	}
	return o.cfg.VideoTrackFactory(kind)
}

// MicOn reports microphone capture state.
func (o *Orchestrator) MicOn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.micOn
}

// CameraOn reports camera state.
func (o *Orchestrator) CameraOn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cameraOn
}

// ScreenOn reports screen-share state.
func (o *Orchestrator) ScreenOn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screenOn
}
