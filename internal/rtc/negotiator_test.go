package rtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmora/livebridge/internal/core"
)

const testGatherTimeout = 500 * time.Millisecond

// loopbackAnswerer plays the remote side of the SDP exchange with a real
// in-process peer connection so answers are structurally valid.
type loopbackAnswerer struct {
	pc    *webrtc.PeerConnection
	calls int32
}

func (l *loopbackAnswerer) exchange(_ context.Context, offerSDP string) (string, error) {
	atomic.AddInt32(&l.calls, 1)
	if l.pc == nil {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			return "", err
		}
		l.pc = pc
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-time.After(testGatherTimeout):
	}
	return l.pc.LocalDescription().SDP, nil
}

func (l *loopbackAnswerer) close() {
	if l.pc != nil {
		_ = l.pc.Close()
	}
}

func newMicTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "test-audio")
	require.NoError(t, err)
	return track
}

func TestNegotiatorQueuesTracksBeforeConnect(t *testing.T) {
	answerer := &loopbackAnswerer{}
	defer answerer.close()
	n := NewNegotiator(NegotiatorConfig{
		ICEGatherTimeout: testGatherTimeout,
		Exchange:         answerer.exchange,
	}, "sid-queue")
	defer n.Close()

	require.NoError(t, n.AddTracks(context.Background(), newMicTrack(t)))
	assert.Equal(t, 1, n.PendingTrackCount())
	assert.Zero(t, n.SenderCount())

	require.NoError(t, n.Connect(context.Background()))
	assert.Zero(t, n.PendingTrackCount())
	assert.Equal(t, 1, n.SenderCount())
	// One exchange covered the handshake and the queued track.
	assert.EqualValues(t, 1, atomic.LoadInt32(&answerer.calls))
}

func TestNegotiatorInitialHandshake(t *testing.T) {
	answerer := &loopbackAnswerer{}
	defer answerer.close()
	n := NewNegotiator(NegotiatorConfig{
		ICEGatherTimeout: testGatherTimeout,
		Exchange:         answerer.exchange,
	}, "sid-handshake")
	defer n.Close()

	assert.False(t, n.HasInitialAnswer())
	require.NoError(t, n.Connect(context.Background()))
	assert.True(t, n.HasInitialAnswer())

	// Connect again is a no-op: no second exchange.
	require.NoError(t, n.Connect(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&answerer.calls))
}

func TestNegotiatorExchangeFailure(t *testing.T) {
	var reported *core.Error
	n := NewNegotiator(NegotiatorConfig{
		ICEGatherTimeout: testGatherTimeout,
		Exchange: func(context.Context, string) (string, error) {
			return "", core.NewNegotiationError("upstream rejected offer", nil)
		},
	}, "sid-fail")
	defer n.Close()
	n.OnError(func(e *core.Error) { reported = e })

	err := n.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.ErrNegotiationFailed, core.AsError(err).Kind)
	assert.False(t, n.HasInitialAnswer())
	require.NotNil(t, reported)
	assert.Equal(t, core.ErrNegotiationFailed, reported.Kind)
}

func TestNegotiatorRenegotiatesAddedTracks(t *testing.T) {
	answerer := &loopbackAnswerer{}
	defer answerer.close()
	n := NewNegotiator(NegotiatorConfig{
		ICEGatherTimeout: testGatherTimeout,
		Exchange:         answerer.exchange,
	}, "sid-reneg")
	defer n.Close()

	require.NoError(t, n.Connect(context.Background()))
	require.EqualValues(t, 1, atomic.LoadInt32(&answerer.calls))

	// The negotiation-needed callback may add exchanges of its own, so the
	// counter is a floor, not an exact count.
	require.NoError(t, n.AddTracks(context.Background(), newMicTrack(t)))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&answerer.calls), int32(2))

	// The in-flight guard must have been released: a second change
	// negotiates again instead of being swallowed.
	before := atomic.LoadInt32(&answerer.calls)
	require.NoError(t, n.AddTracks(context.Background(), newMicTrack(t)))
	assert.Greater(t, atomic.LoadInt32(&answerer.calls), before)
	assert.Equal(t, 2, n.SenderCount())
}

func TestNegotiatorClosedIsInert(t *testing.T) {
	answerer := &loopbackAnswerer{}
	defer answerer.close()
	n := NewNegotiator(NegotiatorConfig{
		ICEGatherTimeout: testGatherTimeout,
		Exchange:         answerer.exchange,
	}, "sid-closed")

	n.Close()
	require.NoError(t, n.Connect(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&answerer.calls))
	// Close twice is safe.
	n.Close()
}

func TestCreateOfferWaitICEBoundedByTimeout(t *testing.T) {
	// A blackholed STUN server (TEST-NET-1) keeps gathering from completing,
	// so the offer must be released on the timeout branch with whatever
	// candidates exist instead of stalling.
	peer, err := NewPeerConnection(DefaultWebRTCConfig([]string{"stun:192.0.2.1:3478"}), "sid-ice-timeout")
	require.NoError(t, err)
	defer peer.Close()
	peer.Start()
	require.NoError(t, peer.AddRecvOnlyAudioTransceiver())

	start := time.Now()
	sdp, err := peer.CreateOfferWaitICE(context.Background(), 300*time.Millisecond)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.NotEmpty(t, sdp)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestNegotiatorProceedsPastStalledGathering(t *testing.T) {
	answerer := &loopbackAnswerer{}
	defer answerer.close()
	n := NewNegotiator(NegotiatorConfig{
		STUNServers:      []string{"stun:192.0.2.1:3478"},
		ICEGatherTimeout: 300 * time.Millisecond,
		Exchange:         answerer.exchange,
	}, "sid-stalled-ice")
	defer n.Close()

	start := time.Now()
	require.NoError(t, n.Connect(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	// The exchange still ran with the partial-candidate offer.
	assert.True(t, n.HasInitialAnswer())
	assert.EqualValues(t, 1, atomic.LoadInt32(&answerer.calls))
}

func TestNegotiateCollapsesConcurrentCalls(t *testing.T) {
	answerer := &loopbackAnswerer{}
	defer answerer.close()

	var calls int32
	release := make(chan struct{})
	n := NewNegotiator(NegotiatorConfig{
		ICEGatherTimeout: testGatherTimeout,
		Exchange: func(ctx context.Context, offerSDP string) (string, error) {
			// Hold every exchange after the handshake until released so the
			// first renegotiation stays in flight.
			if atomic.AddInt32(&calls, 1) > 1 {
				<-release
			}
			return answerer.exchange(ctx, offerSDP)
		},
	}, "sid-collapse")
	defer n.Close()

	require.NoError(t, n.Connect(context.Background()))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.negotiate(context.Background())
		}()
	}

	// Exactly one caller wins the guard and blocks in the exchange; the rest
	// observe the in-flight negotiation and return without one of their own.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	close(release)
	wg.Wait()
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPExchangeSuccess(t *testing.T) {
	var gotContentType, gotModel, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotModel = r.URL.Query().Get("model")
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write([]byte("v=0 answer"))
	}))
	defer srv.Close()

	n := NewNegotiator(NegotiatorConfig{
		OfferURL: srv.URL,
		Model:    "models/test-live",
	}, "sid-http")

	answer, err := n.httpExchange(context.Background(), "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)
	assert.Equal(t, "application/sdp", gotContentType)
	assert.Equal(t, "models/test-live", gotModel)
	assert.Equal(t, "v=0 offer", gotBody)
}

func TestHTTPExchangeNon2xxSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream session quota exceeded"))
	}))
	defer srv.Close()

	n := NewNegotiator(NegotiatorConfig{OfferURL: srv.URL}, "sid-http-err")

	_, err := n.httpExchange(context.Background(), "v=0 offer")
	require.Error(t, err)
	e := core.AsError(err)
	assert.Equal(t, core.ErrNegotiationFailed, e.Kind)
	assert.Contains(t, e.Message, "502")
	assert.Contains(t, e.Message, "upstream session quota exceeded")
}
