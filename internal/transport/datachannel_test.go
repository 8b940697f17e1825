package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmora/livebridge/internal/core"
)

// connectedChannelPair establishes two in-process peer connections and
// returns both ends of one data channel wrapped as transports.
func connectedChannelPair(t *testing.T) (*DataChannel, *DataChannel) {
	t.Helper()

	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	answerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = offerer.Close()
		_ = answerer.Close()
	})

	dc, err := offerer.CreateDataChannel("signal", nil)
	require.NoError(t, err)
	local := NewDataChannel(dc)

	remoteCh := make(chan *DataChannel, 1)
	answerer.OnDataChannel(func(rdc *webrtc.DataChannel) {
		remoteCh <- NewDataChannel(rdc)
	})

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	offerGathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-offerGathered

	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	answerGathered := webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-answerGathered

	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))

	var remote *DataChannel
	select {
	case remote = <-remoteCh:
	case <-time.After(10 * time.Second):
		t.Fatal("remote data channel never arrived")
	}
	return local, remote
}

func TestDataChannelRoundTrip(t *testing.T) {
	local, remote := connectedChannelPair(t)

	var mu sync.Mutex
	var localGot, remoteGot []string
	local.OnFrame(func(f core.Frame) {
		mu.Lock()
		localGot = append(localGot, string(f))
		mu.Unlock()
	})
	remote.OnFrame(func(f core.Frame) {
		mu.Lock()
		remoteGot = append(remoteGot, string(f))
		mu.Unlock()
	})

	// Open blocks until the channel reports open on both sides.
	require.NoError(t, local.Open())
	require.NoError(t, remote.Open())

	require.NoError(t, local.Send(core.Frame(`{"setup":{}}`)))
	require.NoError(t, remote.Send(core.Frame(`{"setupComplete":{}}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(localGot) == 1 && len(remoteGot) == 1
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `{"setupComplete":{}}`, localGot[0])
	assert.Equal(t, `{"setup":{}}`, remoteGot[0])
}

func TestDataChannelSendAfterCloseFails(t *testing.T) {
	local, remote := connectedChannelPair(t)
	require.NoError(t, local.Open())
	require.NoError(t, remote.Open())

	local.Close()
	assert.Error(t, local.Send(core.Frame("late")))
	// Close twice stays quiet.
	local.Close()
}
