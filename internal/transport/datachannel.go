package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/calmora/livebridge/internal/core"
)

const dataChannelOpenTimeout = 10 * time.Second

// DataChannel adapts a WebRTC data channel to the signaling transport
// contract, for sessions that exchange text over an existing peer connection
// instead of a standalone WebSocket.
type DataChannel struct {
	dc *webrtc.DataChannel

	mu     sync.Mutex
	opened chan struct{}
	closed bool

	onFrame func(core.Frame)
	onError func(error)
	onClose func()
}

// NewDataChannel wraps dc. Handlers should be set before Open.
func NewDataChannel(dc *webrtc.DataChannel) *DataChannel {
	return &DataChannel{dc: dc, opened: make(chan struct{})}
}

func (t *DataChannel) OnFrame(fn func(core.Frame)) { t.onFrame = fn }
func (t *DataChannel) OnError(fn func(error))      { t.onError = fn }
func (t *DataChannel) OnClose(fn func())           { t.onClose = fn }

// Open registers the channel callbacks and waits until the channel is open,
// bounded by a hard timeout.
func (t *DataChannel) Open() error {
	t.dc.OnOpen(func() {
		t.mu.Lock()
		select {
		case <-t.opened:
		default:
			close(t.opened)
		}
		t.mu.Unlock()
	})
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.onFrame != nil {
			t.onFrame(msg.Data)
		}
	})
	t.dc.OnError(func(err error) {
		if t.onError != nil {
			t.onError(err)
		}
	})
	t.dc.OnClose(func() {
		if t.onClose != nil {
			t.onClose()
		}
	})

	if t.dc.ReadyState() == webrtc.DataChannelStateOpen {
		return nil
	}
	select {
	case <-t.opened:
		return nil
	case <-time.After(dataChannelOpenTimeout):
		return errors.New("data channel open timeout")
	}
}

func (t *DataChannel) Send(f core.Frame) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("transport closed")
	}
	if t.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	return t.dc.Send(f)
}

func (t *DataChannel) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	_ = t.dc.Close()
}
