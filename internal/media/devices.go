package media

import (
	"sync"

	"github.com/calmora/livebridge/internal/core"
)

// TrackKind identifies a local media source.
type TrackKind string

const (
	KindAudio  TrackKind = "audio"
	KindVideo  TrackKind = "video"
	KindScreen TrackKind = "screen"
)

// PermissionState tracks device access as reported by the platform.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

// Constraints are the capture parameters requested from the platform.
type Constraints struct {
	EchoCancellation bool
	AutoGainControl  bool
	NoiseSuppression bool
	SampleRate       int
	ChannelCount     int
	DeviceID         string
}

// Relaxed drops everything but the kind-level request, for the one-shot
// fallback after a constraints-not-supported failure.
func (c Constraints) Relaxed() Constraints {
	return Constraints{ChannelCount: 1}
}

// DeviceInfo describes one enumerable capture device.
type DeviceInfo struct {
	ID    string
	Label string
	Kind  TrackKind
}

// AudioStream is an acquired audio source delivering float32 sample frames.
type AudioStream interface {
	ReadFrame(buf []float32) (int, error)
	SampleRate() int
	Stop()
}

// DeviceAccess abstracts the platform's capture surface: permission queries,
// stream acquisition and device enumeration. Implementations classify their
// failures with the core error taxonomy.
type DeviceAccess interface {
	// QueryPermission reports the permission state for kind; ok is false when
	// the platform has no permissions-query API, in which case callers fall
	// back to a trial acquisition.
	QueryPermission(kind TrackKind) (state PermissionState, ok bool)
	AcquireAudio(c Constraints) (AudioStream, error)
	EnumerateDevices() ([]DeviceInfo, error)
}

// DeviceList is the read-only shared snapshot of available devices,
// refreshed on device-change notifications.
type DeviceList struct {
	mu      sync.RWMutex
	access  DeviceAccess
	devices []DeviceInfo
}

func NewDeviceList(access DeviceAccess) *DeviceList {
	return &DeviceList{access: access}
}

// Refresh re-enumerates; call it from the platform's device-change hook.
func (l *DeviceList) Refresh() error {
	devices, err := l.access.EnumerateDevices()
	if err != nil {
		return core.AsError(err)
	}
	l.mu.Lock()
	l.devices = devices
	l.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current device set.
func (l *DeviceList) Snapshot() []DeviceInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DeviceInfo, len(l.devices))
	copy(out, l.devices)
	return out
}
