package protocol

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/calmora/livebridge/internal/core"
)

// DecodeDataChannelText interprets one WebRTC data-channel message. JSON
// transcript messages keep their final flag; anything that is not valid JSON
// is plain text and treated as a final transcript.
func DecodeDataChannelText(data []byte) (core.TranscriptEvent, bool) {
	var msg DataChannelMessage
	if err := json.Unmarshal(data, &msg); err == nil {
		if msg.Type == "transcript" && msg.Text != "" {
			return core.TranscriptEvent{
				Role:      core.RoleAI,
				Text:      msg.Text,
				IsFinal:   msg.IsFinal,
				Timestamp: time.Now(),
			}, true
		}
		// Valid JSON envelope of another type; not a transcript.
		return core.TranscriptEvent{}, false
	}
	text := string(data)
	if text == "" {
		return core.TranscriptEvent{}, false
	}
	return core.TranscriptEvent{
		Role:      core.RoleAI,
		Text:      text,
		IsFinal:   true,
		Timestamp: time.Now(),
	}, true
}

// EncodeUserText builds the data-channel frame for outbound user text.
func EncodeUserText(text string) ([]byte, error) {
	return json.Marshal(DataChannelMessage{Type: "user_text", Text: text})
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
