package protocol

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calmora/livebridge/internal/core"
)

// State is the lifecycle phase of one live session.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateAwaitingSetupAck State = "awaiting_setup_ack"
	StateActive           State = "active"
	StateClosing          State = "closing"
	StateClosed           State = "closed"
	StateErrored          State = "errored"
)

// DefaultSetupTimeout bounds the wait for the setup acknowledgement. A server
// that never acknowledges would otherwise leave the session pending forever.
const DefaultSetupTimeout = 10 * time.Second

// Config carries the session parameters sent in the setup frame.
type Config struct {
	Model             string
	SystemInstruction string
	SampleRate        int
	Features          AudioFeatures
	SetupTimeout      time.Duration
}

// Machine tracks a single session's lifecycle, validates the setup handshake
// and demultiplexes inbound frames into typed events. All inbound data frames
// are dropped until the setup acknowledgement arrives so stale server output
// can never be attributed to a new session. Reconnection after Errored
// requires a brand-new Machine; there are no resume semantics.
type Machine struct {
	cfg  Config
	tr   core.SignalTransport
	emit func(core.Event)

	mu         sync.Mutex
	state      State
	setupTimer *time.Timer
	modelBuf   strings.Builder

	// pending holds state-change events recorded under the lock; flush
	// delivers them so emit always runs without the lock held.
	pending []core.Event
}

// NewMachine builds a machine in the Idle state. The emit callback receives
// every event in arrival order; it is invoked without the machine lock held.
func NewMachine(cfg Config, tr core.SignalTransport, emit func(core.Event)) *Machine {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if emit == nil {
		emit = func(core.Event) {}
	}
	return &Machine{cfg: cfg, tr: tr, emit: emit, state: StateIdle}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the transport, sends the initial setup frame and starts the
// setup-acknowledgement timer.
func (m *Machine) Connect() error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return core.NewGenericError("session already started", nil)
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.flush()

	m.tr.OnFrame(m.handleFrame)
	m.tr.OnError(func(err error) {
		m.fail(core.NewNetworkError("signaling transport error", err))
	})
	m.tr.OnClose(func() {
		m.mu.Lock()
		st := m.state
		m.mu.Unlock()
		if st == StateActive || st == StateAwaitingSetupAck {
			m.fail(core.NewNetworkError("signaling transport closed", nil))
		}
	})

	if err := m.tr.Open(); err != nil {
		e := core.NewNetworkError("signaling transport open failed", err)
		m.fail(e)
		return e
	}

	// Transition before sending so an acknowledgement delivered synchronously
	// by an in-memory transport is not dropped.
	m.mu.Lock()
	m.setStateLocked(StateAwaitingSetupAck)
	m.setupTimer = time.AfterFunc(m.cfg.SetupTimeout, func() {
		m.fail(core.NewSetupTimeoutError("no setup acknowledgement within timeout"))
	})
	m.mu.Unlock()
	m.flush()

	setup := SetupFrame{Setup: SetupBody{
		Model: m.cfg.Model,
		SystemInstruction: SystemInstruction{
			Parts: []TextPart{{Text: m.cfg.SystemInstruction}},
		},
		AudioFeatures: m.cfg.Features,
	}}
	if err := m.sendJSON(setup); err != nil {
		e := core.NewNetworkError("setup frame send failed", err)
		m.fail(e)
		return e
	}
	return nil
}

// Close performs an orderly shutdown: timers cancelled, transport closed.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateClosing {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateClosing)
	m.cancelSetupTimerLocked()
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.flush()
	m.tr.Close()
}

// SendText sends one user text turn. Valid only while Active.
func (m *Machine) SendText(text string) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	frame := ClientContentFrame{ClientContent: ClientContent{
		Turns:        []ContentTurn{{Role: "user", Parts: []TextPart{{Text: text}}}},
		TurnComplete: true,
	}}
	return m.sendJSON(frame)
}

// SendAudioPCM streams one chunk of 16-bit PCM to the remote.
func (m *Machine) SendAudioPCM(pcm []byte) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	frame := RealtimeInputFrame{RealtimeInput: RealtimeInput{
		Audio: &MediaBlob{
			MimeType: PCMMimeType(m.cfg.SampleRate),
			Data:     encodeBase64(pcm),
		},
	}}
	return m.sendJSON(frame)
}

// SendImage streams one JPEG frame captured from camera or screen share.
func (m *Machine) SendImage(base64JPEG string) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	frame := RealtimeInputFrame{RealtimeInput: RealtimeInput{
		MediaChunks: []MediaBlob{{MimeType: "image/jpeg", Data: base64JPEG}},
	}}
	return m.sendJSON(frame)
}

func (m *Machine) requireActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return core.NewProtocolError("session not active", nil)
	}
	return nil
}

func (m *Machine) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return core.NewProtocolError("frame marshal failed", err)
	}
	return m.tr.Send(b)
}

// handleFrame classifies one inbound frame. Frames that are not JSON objects
// are treated as raw PCM audio.
func (m *Machine) handleFrame(data core.Frame) {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		m.handleBinary(data)
		return
	}

	var frame ServerFrame
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		// Malformed frames are logged and dropped; the session continues.
		log.Warn().Err(err).Str("module", "protocol").Msg("dropping malformed frame")
		return
	}
	m.processServerFrame(&frame)
}

func (m *Machine) handleBinary(data core.Frame) {
	m.mu.Lock()
	active := m.state == StateActive
	m.mu.Unlock()
	if !active {
		return
	}
	m.emit(core.AudioChunkEvent{Data: data, MimeType: PCMMimeType(m.cfg.SampleRate)})
}

func (m *Machine) processServerFrame(frame *ServerFrame) {
	m.mu.Lock()

	if frame.SetupComplete != nil {
		if m.state == StateAwaitingSetupAck {
			m.cancelSetupTimerLocked()
			m.setStateLocked(StateActive)
		}
		m.mu.Unlock()
		m.flush()
		return
	}

	if m.state != StateActive {
		// Drop-until-ack: premature server output never reaches the UI.
		m.mu.Unlock()
		return
	}

	var events []core.Event
	switch {
	case frame.ServerContent != nil:
		events = m.classifyServerContentLocked(frame.ServerContent)
	case frame.Event != nil:
		events = m.classifyEventContentLocked(frame.Event)
	case frame.Error != nil:
		events = []core.Event{core.ErrorEvent{
			Err: core.NewProtocolError(frame.Error.Message, nil),
		}}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.emit(ev)
	}
	m.flush()
}

func (m *Machine) classifyServerContentLocked(sc *ServerContent) []core.Event {
	var events []core.Event

	if t := sc.InputTranscription; t != nil && t.Text != "" {
		events = append(events, core.TranscriptEvent{
			Role:      core.RoleUser,
			Text:      t.Text,
			IsFinal:   t.IsFinal,
			Timestamp: time.Now(),
		})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		events = m.appendModelFragmentLocked(events, t.Text, t.IsFinal)
	}
	if mt := sc.ModelTurn; mt != nil {
		// Audio parts first so playback starts before the text lands.
		for _, p := range mt.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				raw, err := decodeBase64(p.InlineData.Data)
				if err != nil {
					log.Warn().Err(err).Str("module", "protocol").Msg("dropping undecodable audio part")
					continue
				}
				events = append(events, core.AudioChunkEvent{Data: raw, MimeType: p.InlineData.MimeType})
			}
		}
		for _, p := range mt.Parts {
			if p.Transcript != nil && p.Transcript.Text != "" {
				events = m.appendModelFragmentLocked(events, p.Transcript.Text, p.Transcript.IsFinal)
			}
			if p.Text != "" {
				events = m.appendModelFragmentLocked(events, p.Text, false)
			}
		}
	}
	if sc.Interrupted {
		events = m.closeModelTurnLocked(events)
		events = append(events, core.ControlEvent{Kind: core.ControlInterrupted})
	}
	if sc.TurnComplete {
		events = m.closeModelTurnLocked(events)
		events = append(events, core.ControlEvent{Kind: core.ControlTurnComplete})
	}
	return events
}

func (m *Machine) classifyEventContentLocked(ec *EventContent) []core.Event {
	var events []core.Event
	if t := ec.Transcript; t != nil && t.Text != "" {
		events = m.appendModelFragmentLocked(events, t.Text, t.IsFinal)
	}
	if ec.TurnComplete {
		events = m.closeModelTurnLocked(events)
		events = append(events, core.ControlEvent{Kind: core.ControlTurnComplete})
	}
	return events
}

// appendModelFragmentLocked accumulates consecutive model fragments into one
// in-progress message. Only the machine writes this buffer. A final-flagged
// fragment closes the accumulation immediately.
func (m *Machine) appendModelFragmentLocked(events []core.Event, text string, isFinal bool) []core.Event {
	m.modelBuf.WriteString(text)
	if isFinal {
		return m.closeModelTurnLocked(events)
	}
	return events
}

func (m *Machine) closeModelTurnLocked(events []core.Event) []core.Event {
	if m.modelBuf.Len() == 0 {
		return events
	}
	full := m.modelBuf.String()
	m.modelBuf.Reset()
	return append(events, core.TranscriptEvent{
		Role:      core.RoleAI,
		Text:      full,
		IsFinal:   true,
		Timestamp: time.Now(),
	})
}

func (m *Machine) fail(err *core.Error) {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateClosing || m.state == StateErrored {
		m.mu.Unlock()
		return
	}
	m.cancelSetupTimerLocked()
	m.setStateLocked(StateErrored)
	m.mu.Unlock()
	m.flush()
	m.emit(core.ErrorEvent{Err: err})
	m.tr.Close()
}

func (m *Machine) cancelSetupTimerLocked() {
	if m.setupTimer != nil {
		m.setupTimer.Stop()
		m.setupTimer = nil
	}
}

func (m *Machine) setStateLocked(next State) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.pending = append(m.pending, core.StateChangedEvent{From: string(prev), To: string(next)})
	log.Debug().Str("module", "protocol").Str("from", string(prev)).Str("to", string(next)).Msg("state transition")
}

func (m *Machine) flush() {
	m.mu.Lock()
	pend := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, ev := range pend {
		m.emit(ev)
	}
}
