package media

import (
	"math"
	"sync"
	"time"

	"github.com/calmora/livebridge/internal/core"
)

// SyntheticAccess is a hardware-free DeviceAccess producing a sine tone.
// Used by the demo gateway and by tests; failure modes are injectable so the
// full device error taxonomy can be exercised deterministically.
type SyntheticAccess struct {
	mu sync.Mutex

	// PermissionStates returned by QueryPermission; a missing kind reports
	// that the query API is unavailable.
	PermissionStates map[TrackKind]PermissionState
	// AcquireErr, when set, fails every acquisition with this error.
	AcquireErr error
	// RejectConstraints fails acquisitions whose sample rate differs from
	// SupportedRate, with a constraints error. The relaxed retry succeeds.
	RejectConstraints bool
	SupportedRate     int

	Devices []DeviceInfo
}

func NewSyntheticAccess() *SyntheticAccess {
	return &SyntheticAccess{
		PermissionStates: map[TrackKind]PermissionState{KindAudio: PermissionGranted},
		SupportedRate:    16000,
		Devices: []DeviceInfo{
			{ID: "synthetic-mic", Label: "Synthetic Microphone", Kind: KindAudio},
		},
	}
}

func (a *SyntheticAccess) QueryPermission(kind TrackKind) (PermissionState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.PermissionStates[kind]
	return state, ok
}

func (a *SyntheticAccess) AcquireAudio(c Constraints) (AudioStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.AcquireErr != nil {
		return nil, a.AcquireErr
	}
	if state, ok := a.PermissionStates[KindAudio]; ok && state == PermissionDenied {
		return nil, core.NewPermissionDeniedError("microphone")
	}
	rate := c.SampleRate
	if a.RejectConstraints && rate != 0 && rate != a.SupportedRate {
		return nil, core.NewConstraintsError("unsupported sample rate")
	}
	if rate == 0 {
		rate = a.SupportedRate
	}
	return newSineStream(rate), nil
}

func (a *SyntheticAccess) EnumerateDevices() ([]DeviceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]DeviceInfo, len(a.Devices))
	copy(out, a.Devices)
	return out, nil
}

// sineStream emits a 440Hz tone paced roughly in real time.
type sineStream struct {
	rate  int
	phase float64

	mu      sync.Mutex
	stopped bool
}

func newSineStream(rate int) *sineStream {
	return &sineStream{rate: rate}
}

func (s *sineStream) SampleRate() int { return s.rate }

func (s *sineStream) ReadFrame(buf []float32) (int, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, errStopped
	}
	s.mu.Unlock()

	const freq = 440.0
	step := 2 * math.Pi * freq / float64(s.rate)
	for i := range buf {
		buf[i] = float32(0.3 * math.Sin(s.phase))
		s.phase += step
	}
	// Pace near real time so levels look plausible in demos.
	time.Sleep(time.Duration(len(buf)) * time.Second / time.Duration(s.rate))
	return len(buf), nil
}

func (s *sineStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
