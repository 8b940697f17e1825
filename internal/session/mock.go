package session

import (
	"sync"
	"time"

	"github.com/calmora/livebridge/internal/core"
)

// Mock emulates the live session contract with no network access: simulated
// connect latency, a scripted greeting streamed token by token, and a
// segmented echo of user text. Used as the demo mode and as the automatic
// fallback target when live negotiation fails.
type Mock struct {
	emit func(core.Event)

	ConnectLatency time.Duration
	TokenDelay     time.Duration
	EchoDelay      time.Duration

	mu     sync.Mutex
	open   bool
	timers []*time.Timer
}

var mockGreeting = []string{
	"Hi there! ",
	"I'm a simulated realtime companion. ",
	"This is a prototype demo ",
	"showing how live streaming ",
	"responses could appear. ",
	"\nHow can I support you today?",
}

const mockEchoFollowup = "Here is a supportive reflection. Remember this is a mock."

func NewMock(emit func(core.Event)) *Mock {
	if emit == nil {
		emit = func(core.Event) {}
	}
	return &Mock{
		emit:           emit,
		ConnectLatency: 400 * time.Millisecond,
		TokenDelay:     250 * time.Millisecond,
		EchoDelay:      120 * time.Millisecond,
	}
}

// Connect waits out the simulated latency, reports the session open and
// streams the greeting.
func (m *Mock) Connect() error {
	time.Sleep(m.ConnectLatency)
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	m.emit(core.StateChangedEvent{From: "connecting", To: "active"})
	m.streamTokens(mockGreeting, m.TokenDelay)
	return nil
}

// SendText echoes the user text back as a delayed token stream beginning
// with "You said: ...".
func (m *Mock) SendText(text string) error {
	m.mu.Lock()
	open := m.open
	m.mu.Unlock()
	if !open {
		return core.NewProtocolError("mock session not open", nil)
	}
	base := "You said: " + text + ". "
	pieces := append(chunkString(base, 18), chunkString(mockEchoFollowup, 22)...)
	for i := range pieces {
		pieces[i] += " "
	}
	m.streamTokens(pieces, m.EchoDelay)
	return nil
}

// SendAudioPCM accepts and discards audio, matching the live contract.
func (m *Mock) SendAudioPCM([]byte) error { return nil }

// SendImage accepts and discards image chunks.
func (m *Mock) SendImage(string) error { return nil }

// Close cancels all pending emissions.
func (m *Mock) Close() {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return
	}
	m.open = false
	timers := m.timers
	m.timers = nil
	m.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
	m.emit(core.StateChangedEvent{From: "active", To: "closed"})
}

func (m *Mock) streamTokens(tokens []string, delay time.Duration) {
	var elapsed time.Duration
	for i, tok := range tokens {
		elapsed += delay
		tok := tok
		final := i == len(tokens)-1
		timer := time.AfterFunc(elapsed, func() {
			m.mu.Lock()
			open := m.open
			m.mu.Unlock()
			if !open {
				return
			}
			m.emit(core.TranscriptEvent{
				Role:      core.RoleAI,
				Text:      tok,
				IsFinal:   final,
				Timestamp: time.Now(),
			})
		})
		m.mu.Lock()
		m.timers = append(m.timers, timer)
		m.mu.Unlock()
	}
}

func chunkString(s string, size int) []string {
	if size <= 0 || s == "" {
		return nil
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
