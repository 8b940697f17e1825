package media

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/calmora/livebridge/internal/core"
)

// QualityTier selects the capture parameter set.
type QualityTier string

const (
	TierHigh   QualityTier = "high"
	TierMedium QualityTier = "medium"
	TierLow    QualityTier = "low"
)

// TierParams are the concrete capture parameters for one tier.
type TierParams struct {
	SampleRate   int
	BufferSize   int
	LatencyHint  string
	PlaybackGain float64
}

// ParamsForTier maps a tier onto parameters relative to the configured
// baseline rate: high caps at 48kHz with a small buffer, medium is the
// baseline, low halves the baseline and attenuates playback.
func ParamsForTier(tier QualityTier, baseRate int) TierParams {
	if baseRate <= 0 {
		baseRate = 16000
	}
	switch tier {
	case TierHigh:
		rate := 48000
		if baseRate > rate {
			rate = baseRate
		}
		return TierParams{SampleRate: rate, BufferSize: 256, LatencyHint: "interactive", PlaybackGain: 1.0}
	case TierLow:
		return TierParams{SampleRate: baseRate / 2, BufferSize: 2048, LatencyHint: "playback", PlaybackGain: 0.5}
	default:
		return TierParams{SampleRate: baseRate, BufferSize: 1024, LatencyHint: "balanced", PlaybackGain: 1.0}
	}
}

// CaptureSink receives each processed PCM frame and its amplitude level.
type CaptureSink func(pcm []byte, level float64)

// CaptureStrategy converts a raw audio stream into 16-bit PCM frames. Two
// interchangeable implementations exist; selection happens once at
// capture-start time based on whether the worklet module loads.
type CaptureStrategy interface {
	Name() string
	Start(src AudioStream, bufferSize int, sink CaptureSink) error
	Stop()
}

// WorkletLoader probes and loads the worklet processing module. It is
// consulted once per capture session; a load failure selects the
// buffer-processing fallback.
type WorkletLoader interface {
	LoadProcessor() error
}

// Manager owns permission probing, stream acquisition, the capture strategy
// and the quality tier. The audio processing graph is owned exclusively here;
// the orchestrator goes through the operation contract only.
type Manager struct {
	access DeviceAccess
	loader WorkletLoader

	mu          sync.Mutex
	baseRate    int
	tier        QualityTier
	constraints Constraints
	stream      AudioStream
	strategy    CaptureStrategy
	capturing   bool
	sink        CaptureSink
	level       float64
	permissions map[TrackKind]PermissionState
}

// ManagerConfig seeds the manager from the session configuration.
type ManagerConfig struct {
	BaseSampleRate   int
	EchoCancellation bool
	AutoGainControl  bool
	NoiseSuppression bool
}

func NewManager(access DeviceAccess, loader WorkletLoader, cfg ManagerConfig) *Manager {
	if cfg.BaseSampleRate <= 0 {
		cfg.BaseSampleRate = 16000
	}
	return &Manager{
		access:   access,
		loader:   loader,
		baseRate: cfg.BaseSampleRate,
		tier:     TierMedium,
		constraints: Constraints{
			EchoCancellation: cfg.EchoCancellation,
			AutoGainControl:  cfg.AutoGainControl,
			NoiseSuppression: cfg.NoiseSuppression,
			SampleRate:       cfg.BaseSampleRate,
			ChannelCount:     1,
		},
		permissions: make(map[TrackKind]PermissionState),
	}
}

// ProbePermission distinguishes granted/denied/prompt/unknown, preferring the
// permissions-query API and falling back to a trial acquisition.
func (m *Manager) ProbePermission(kind TrackKind) PermissionState {
	if state, ok := m.access.QueryPermission(kind); ok {
		m.recordPermission(kind, state)
		return state
	}
	// Trial acquire: a short-lived open tells us granted vs denied.
	stream, err := m.access.AcquireAudio(m.currentConstraints())
	if err != nil {
		e := core.AsError(err)
		if e.Kind == core.ErrPermissionDenied {
			m.recordPermission(kind, PermissionDenied)
			return PermissionDenied
		}
		m.recordPermission(kind, PermissionUnknown)
		return PermissionUnknown
	}
	stream.Stop()
	m.recordPermission(kind, PermissionGranted)
	return PermissionGranted
}

// Permission returns the last probed state for kind.
func (m *Manager) Permission(kind TrackKind) PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.permissions[kind]; ok {
		return state
	}
	return PermissionUnknown
}

func (m *Manager) recordPermission(kind TrackKind, state PermissionState) {
	m.mu.Lock()
	m.permissions[kind] = state
	m.mu.Unlock()
}

// StartCapture acquires the microphone under the current tier's constraints
// and begins producing PCM frames into sink. On a constraints-not-supported
// failure one automatic fallback attempt with relaxed constraints is made.
func (m *Manager) StartCapture(sink CaptureSink) error {
	m.mu.Lock()
	if m.capturing {
		m.mu.Unlock()
		return nil
	}
	constraints := m.constraints
	params := ParamsForTier(m.tier, m.baseRate)
	constraints.SampleRate = params.SampleRate
	m.sink = sink
	m.mu.Unlock()

	stream, err := m.acquireWithFallback(constraints)
	if err != nil {
		return err
	}

	strategy := m.selectStrategy()
	wrapped := func(pcm []byte, level float64) {
		m.mu.Lock()
		m.level = level
		cb := m.sink
		m.mu.Unlock()
		if cb != nil {
			cb(pcm, level)
		}
	}
	if err := strategy.Start(stream, params.BufferSize, wrapped); err != nil {
		stream.Stop()
		return core.NewGenericError("capture start failed", err)
	}

	m.mu.Lock()
	m.stream = stream
	m.strategy = strategy
	m.capturing = true
	m.mu.Unlock()
	log.Info().Str("module", "media").Str("strategy", strategy.Name()).Int("rate", params.SampleRate).Msg("capture started")
	return nil
}

func (m *Manager) acquireWithFallback(constraints Constraints) (AudioStream, error) {
	stream, err := m.access.AcquireAudio(constraints)
	if err == nil {
		return stream, nil
	}
	e := core.AsError(err)
	if e.Kind != core.ErrConstraintsUnsupported {
		return nil, e
	}
	log.Warn().Str("module", "media").Msg("constraints unsupported, retrying relaxed")
	stream, err = m.access.AcquireAudio(constraints.Relaxed())
	if err != nil {
		return nil, core.AsError(err)
	}
	return stream, nil
}

// selectStrategy prefers the worklet pipeline; a module load failure selects
// the buffer-processing fallback.
func (m *Manager) selectStrategy() CaptureStrategy {
	if m.loader != nil {
		if err := m.loader.LoadProcessor(); err == nil {
			return newWorkletStrategy()
		} else {
			log.Warn().Err(err).Str("module", "media").Msg("worklet load failed, using buffer processor")
		}
	}
	return newBufferStrategy()
}

// StopCapture tears down the strategy and releases the stream.
func (m *Manager) StopCapture() {
	m.mu.Lock()
	strategy := m.strategy
	stream := m.stream
	m.strategy = nil
	m.stream = nil
	m.capturing = false
	m.level = 0
	m.mu.Unlock()

	if strategy != nil {
		strategy.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
}

// SetTier switches quality parameters. While capturing, the pipeline is torn
// down and restarted with the new rate; session state is untouched.
func (m *Manager) SetTier(tier QualityTier) error {
	m.mu.Lock()
	if m.tier == tier {
		m.mu.Unlock()
		return nil
	}
	m.tier = tier
	capturing := m.capturing
	sink := m.sink
	m.mu.Unlock()

	if !capturing {
		return nil
	}
	m.StopCapture()
	return m.StartCapture(sink)
}

// Tier returns the active quality tier.
func (m *Manager) Tier() QualityTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// Capturing reports whether the pipeline is running.
func (m *Manager) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// Level is the most recent amplitude sample, for UI meters.
func (m *Manager) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// ActiveSampleRate exposes the rate of the running stream, falling back to
// the tier parameterization when idle.
func (m *Manager) ActiveSampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return m.stream.SampleRate()
	}
	return ParamsForTier(m.tier, m.baseRate).SampleRate
}

func (m *Manager) currentConstraints() Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constraints
}

// errStopped signals orderly strategy shutdown from the read loop.
var errStopped = errors.New("capture stopped")
