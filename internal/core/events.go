package core

import "time"

// Role identifies who produced a transcript fragment.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Event is the tagged union delivered by the protocol state machine. The
// orchestrator consumes a single inbound event stream and pattern-matches on
// the concrete type instead of holding independent callback slots.
type Event interface {
	EventType() string
}

// TranscriptEvent is an incremental or final fragment of conversation text.
// Fragments of the same utterance arrive in order; a final fragment closes
// that utterance's accumulation buffer.
type TranscriptEvent struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TranscriptEvent) EventType() string { return "transcript" }

// AudioChunkEvent carries raw PCM bytes for playback. Chunk ordering is
// preserved per direction; out-of-order delivery is not corrected.
type AudioChunkEvent struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
}

func (e AudioChunkEvent) EventType() string { return "audio_chunk" }

// ControlKind distinguishes inbound control signals.
type ControlKind string

const (
	ControlInterrupted  ControlKind = "interrupted"
	ControlTurnComplete ControlKind = "turn_complete"
)

// ControlEvent signals an interruption or the end of a conversational turn.
type ControlEvent struct {
	Kind ControlKind `json:"kind"`
}

func (e ControlEvent) EventType() string { return "control" }

// ErrorEvent surfaces a session error to the UI layer.
type ErrorEvent struct {
	Err *Error `json:"error"`
}

func (e ErrorEvent) EventType() string { return "error" }

// StateChangedEvent is emitted on every session state transition.
type StateChangedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e StateChangedEvent) EventType() string { return "state_changed" }
