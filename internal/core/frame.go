package core

// Frame is a raw payload carried over a signaling transport. JSON envelopes
// and binary audio both travel as frames; the transport never interprets them.
type Frame []byte

// SessionID identifies one realtime conversational session.
type SessionID string

// SignalTransport abstracts a framed duplex message channel (WebSocket or
// WebRTC data channel). Owned by the adapter; the adapter must Close() it.
// The transport never retries; retry policy belongs to the orchestrator.
type SignalTransport interface {
	// Open establishes the channel. OnFrame/OnError handlers should be set
	// before calling Open.
	Open() error
	// Send writes one frame. It must not block indefinitely; on backpressure
	// it returns an error instead of queueing unboundedly.
	Send(Frame) error
	// OnFrame sets the handler invoked for every inbound frame, in arrival
	// order.
	OnFrame(func(Frame))
	// OnError sets the handler for connection-level failures.
	OnError(func(error))
	// OnClose sets the handler invoked once when the channel closes.
	OnClose(func())
	Close()
}
