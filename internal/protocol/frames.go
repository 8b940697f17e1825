package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire shapes for the live signaling channel. Two inbound dialects exist: the
// full serverContent form and a simpler event-wrapped form; the classifier
// accepts both. Field names follow the remote service, including the snake
// case is_final flags.

// SetupFrame is the single outbound configuration frame sent immediately
// after the transport opens. No audio or text may flow before it is
// acknowledged.
type SetupFrame struct {
	Setup SetupBody `json:"setup"`
}

type SetupBody struct {
	Model                    string            `json:"model"`
	SystemInstruction        SystemInstruction `json:"systemInstruction"`
	InputAudioTranscription  struct{}          `json:"inputAudioTranscription"`
	OutputAudioTranscription struct{}          `json:"outputAudioTranscription"`
	AudioFeatures            AudioFeatures     `json:"audioFeatures"`
}

type SystemInstruction struct {
	Parts []TextPart `json:"parts"`
}

type TextPart struct {
	Text string `json:"text"`
}

// AudioFeatures carries the echo-cancellation, auto-gain and noise
// suppression flags negotiated for the session.
type AudioFeatures struct {
	AEC bool `json:"aec"`
	AGC bool `json:"agc"`
	NS  bool `json:"ns"`
}

// ClientContentFrame is an outbound user text turn.
type ClientContentFrame struct {
	ClientContent ClientContent `json:"clientContent"`
}

type ClientContent struct {
	Turns        []ContentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type ContentTurn struct {
	Role  string     `json:"role"`
	Parts []TextPart `json:"parts"`
}

// RealtimeInputFrame is an outbound media frame. Either Audio or MediaChunks
// is populated, never both; the remote accepts both forms.
type RealtimeInputFrame struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	Audio       *MediaBlob  `json:"audio,omitempty"`
	MediaChunks []MediaBlob `json:"mediaChunks,omitempty"`
}

type MediaBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// ServerFrame is the inbound envelope. Exactly one of the fields is set per
// frame; all are optional so a single decode covers every dialect.
type ServerFrame struct {
	SetupComplete json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *ServerContent  `json:"serverContent,omitempty"`
	Event         *EventContent   `json:"event,omitempty"`
	Error         *ServerError    `json:"error,omitempty"`
}

type ServerContent struct {
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
}

type Transcription struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type ModelTurn struct {
	Parts []ModelPart `json:"parts"`
}

type ModelPart struct {
	Text       string         `json:"text,omitempty"`
	Transcript *Transcription `json:"transcript,omitempty"`
	InlineData *MediaBlob     `json:"inlineData,omitempty"`
}

// EventContent is the simpler wrapped dialect some servers emit.
type EventContent struct {
	Transcript   *Transcription `json:"transcript,omitempty"`
	TurnComplete bool           `json:"turnComplete,omitempty"`
}

type ServerError struct {
	Message string `json:"message"`
}

// DataChannelMessage is the JSON shape exchanged over the WebRTC data
// channel; plain text that fails to decode is treated as a final transcript.
type DataChannelMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
}

// PCMMimeType formats the outbound audio mime type for a given sample rate.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
