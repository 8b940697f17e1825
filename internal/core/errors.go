package core

import "fmt"

// ErrorKind categorizes session errors. The kind decides both retry policy
// and the remediation hint shown to the user.
type ErrorKind string

const (
	ErrPermissionDenied       ErrorKind = "permission_denied"
	ErrDeviceNotFound         ErrorKind = "device_not_found"
	ErrDeviceBusy             ErrorKind = "device_busy"
	ErrConstraintsUnsupported ErrorKind = "constraints_unsupported"
	ErrNetworkOrTimeout       ErrorKind = "network_or_timeout"
	ErrProtocol               ErrorKind = "protocol_error"
	ErrNegotiationFailed      ErrorKind = "negotiation_failed"
	ErrAudioPlayback          ErrorKind = "audio_playback_error"
	ErrSetupTimeout           ErrorKind = "setup_timeout"
	ErrGeneric                ErrorKind = "generic_failure"
)

// Error is the typed session error surfaced to the orchestrator and the UI.
type Error struct {
	Kind    ErrorKind
	Message string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the orchestrator may schedule a backoff retry.
// Device and permission failures are never retried automatically.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case ErrNetworkOrTimeout, ErrNegotiationFailed, ErrSetupTimeout:
		return true
	default:
		return false
	}
}

func NewPermissionDeniedError(device string) *Error {
	return &Error{
		Kind:    ErrPermissionDenied,
		Message: fmt.Sprintf("%s permission denied", device),
		Hint:    "Allow access in your browser or system settings and try again.",
	}
}

func NewDeviceNotFoundError(device string) *Error {
	return &Error{
		Kind:    ErrDeviceNotFound,
		Message: fmt.Sprintf("no %s device found", device),
		Hint:    "Plug in a device or pick another one from the device list.",
	}
}

func NewDeviceBusyError(device string) *Error {
	return &Error{
		Kind:    ErrDeviceBusy,
		Message: fmt.Sprintf("%s is already in use", device),
		Hint:    "Close other applications using the device and try again.",
	}
}

func NewConstraintsError(detail string) *Error {
	return &Error{
		Kind:    ErrConstraintsUnsupported,
		Message: "requested capture constraints not supported: " + detail,
	}
}

func NewNetworkError(msg string, cause error) *Error {
	return &Error{Kind: ErrNetworkOrTimeout, Message: msg, Cause: cause}
}

func NewProtocolError(msg string, cause error) *Error {
	return &Error{Kind: ErrProtocol, Message: msg, Cause: cause}
}

func NewNegotiationError(msg string, cause error) *Error {
	return &Error{Kind: ErrNegotiationFailed, Message: msg, Cause: cause}
}

func NewSetupTimeoutError(msg string) *Error {
	return &Error{Kind: ErrSetupTimeout, Message: msg}
}

func NewGenericError(msg string, cause error) *Error {
	return &Error{Kind: ErrGeneric, Message: msg, Cause: cause}
}

// AsError coerces any error into the typed form, wrapping unknown errors as
// generic failures so callers can always switch on Kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewGenericError(err.Error(), err)
}
