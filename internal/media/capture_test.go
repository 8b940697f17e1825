package media

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmora/livebridge/internal/core"
)

type failingLoader struct{ err error }

func (l failingLoader) LoadProcessor() error { return l.err }

func waitForFrames(t *testing.T, got *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		got.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no capture frames produced")
	}
}

func TestParamsForTier(t *testing.T) {
	high := ParamsForTier(TierHigh, 16000)
	assert.Equal(t, 48000, high.SampleRate)
	assert.Equal(t, 256, high.BufferSize)
	assert.Equal(t, "interactive", high.LatencyHint)

	med := ParamsForTier(TierMedium, 16000)
	assert.Equal(t, 16000, med.SampleRate)
	assert.Equal(t, 1024, med.BufferSize)

	low := ParamsForTier(TierLow, 16000)
	assert.Equal(t, 8000, low.SampleRate)
	assert.Equal(t, 2048, low.BufferSize)
	assert.Equal(t, 0.5, low.PlaybackGain)

	// High never downgrades a baseline already above 48kHz.
	assert.Equal(t, 96000, ParamsForTier(TierHigh, 96000).SampleRate)
}

func TestProbePermissionQueryAPI(t *testing.T) {
	access := NewSyntheticAccess()
	access.PermissionStates[KindAudio] = PermissionDenied
	m := NewManager(access, nil, ManagerConfig{})

	assert.Equal(t, PermissionDenied, m.ProbePermission(KindAudio))
	assert.Equal(t, PermissionDenied, m.Permission(KindAudio))
}

func TestProbePermissionTrialAcquire(t *testing.T) {
	access := NewSyntheticAccess()
	// No query API entry for audio forces the trial acquisition path.
	delete(access.PermissionStates, KindAudio)
	m := NewManager(access, nil, ManagerConfig{})

	assert.Equal(t, PermissionGranted, m.ProbePermission(KindAudio))
}

func TestStartCaptureProducesPCM(t *testing.T) {
	access := NewSyntheticAccess()
	access.SupportedRate = 16000
	m := NewManager(access, nil, ManagerConfig{BaseSampleRate: 16000})

	var once sync.WaitGroup
	once.Add(1)
	var firstLen int
	var firstOnce sync.Once
	err := m.StartCapture(func(pcm []byte, level float64) {
		firstOnce.Do(func() {
			firstLen = len(pcm)
			once.Done()
		})
	})
	require.NoError(t, err)
	defer m.StopCapture()

	waitForFrames(t, &once)
	assert.True(t, m.Capturing())
	// Medium tier buffers 1024 samples, two bytes each.
	assert.Equal(t, 2048, firstLen)
	assert.Equal(t, 16000, m.ActiveSampleRate())
}

func TestStartCaptureRelaxedFallback(t *testing.T) {
	access := NewSyntheticAccess()
	access.RejectConstraints = true
	access.SupportedRate = 44100
	m := NewManager(access, nil, ManagerConfig{BaseSampleRate: 16000})

	// The 16kHz request is rejected; the relaxed retry succeeds at the
	// device's native rate.
	require.NoError(t, m.StartCapture(func([]byte, float64) {}))
	defer m.StopCapture()
	assert.Equal(t, 44100, m.ActiveSampleRate())
}

func TestStartCaptureDeviceErrorSurfaced(t *testing.T) {
	access := NewSyntheticAccess()
	access.AcquireErr = core.NewDeviceBusyError("microphone")
	m := NewManager(access, nil, ManagerConfig{})

	err := m.StartCapture(func([]byte, float64) {})
	require.Error(t, err)
	assert.Equal(t, core.ErrDeviceBusy, core.AsError(err).Kind)
	assert.False(t, m.Capturing())
}

func TestSetTierRestartsCapture(t *testing.T) {
	access := NewSyntheticAccess()
	m := NewManager(access, nil, ManagerConfig{BaseSampleRate: 16000})

	require.NoError(t, m.StartCapture(func([]byte, float64) {}))
	defer m.StopCapture()
	require.Equal(t, 16000, m.ActiveSampleRate())

	require.NoError(t, m.SetTier(TierLow))
	assert.Equal(t, TierLow, m.Tier())
	assert.True(t, m.Capturing())
	assert.Equal(t, 8000, m.ActiveSampleRate())
}

func TestSetTierIdleOnlyChangesParams(t *testing.T) {
	m := NewManager(NewSyntheticAccess(), nil, ManagerConfig{BaseSampleRate: 16000})

	require.NoError(t, m.SetTier(TierHigh))
	assert.Equal(t, TierHigh, m.Tier())
	assert.False(t, m.Capturing())
	assert.Equal(t, 48000, m.ActiveSampleRate())
}

func TestWorkletLoadFailureSelectsBufferStrategy(t *testing.T) {
	access := NewSyntheticAccess()
	m := NewManager(access, failingLoader{err: errors.New("module missing")}, ManagerConfig{})

	strategy := m.selectStrategy()
	assert.Equal(t, "buffer", strategy.Name())
}

func TestWorkletLoadSuccessSelectsWorklet(t *testing.T) {
	access := NewSyntheticAccess()
	m := NewManager(access, failingLoader{err: nil}, ManagerConfig{})

	strategy := m.selectStrategy()
	assert.Equal(t, "worklet", strategy.Name())
}

func TestStopCaptureIdempotent(t *testing.T) {
	m := NewManager(NewSyntheticAccess(), nil, ManagerConfig{})
	require.NoError(t, m.StartCapture(func([]byte, float64) {}))
	m.StopCapture()
	m.StopCapture()
	assert.False(t, m.Capturing())
	assert.Zero(t, m.Level())
}

func TestDeviceListSnapshot(t *testing.T) {
	access := NewSyntheticAccess()
	list := NewDeviceList(access)
	require.NoError(t, list.Refresh())

	devices := list.Snapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, "synthetic-mic", devices[0].ID)
}
