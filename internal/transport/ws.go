package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/calmora/livebridge/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendQueueSize = 32
	writeDeadline = 5 * time.Second
)

// WS is a persistent duplex signaling channel over a WebSocket. Frames are
// queued on a bounded send channel; a full queue surfaces as ErrBackpressure
// instead of blocking the caller. The transport never retries.
type WS struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.RWMutex
	conn   *websocket.Conn
	send   chan core.Frame
	closed bool
	cancel context.CancelFunc

	onFrame func(core.Frame)
	onError func(error)
	onClose func()
}

// NewWS builds an unopened WebSocket transport for the given URL.
func NewWS(url string) *WS {
	return &WS{url: url, dialer: websocket.DefaultDialer}
}

// NewWSConn wraps an already-accepted server-side connection, as produced by
// the gateway's upgrader.
func NewWSConn(conn *websocket.Conn) *WS {
	return &WS{conn: conn}
}

func (t *WS) OnFrame(fn func(core.Frame)) { t.onFrame = fn }
func (t *WS) OnError(fn func(error))      { t.onError = fn }
func (t *WS) OnClose(fn func())           { t.onClose = fn }

// Open dials (or adopts) the connection and starts the read/write pumps.
func (t *WS) Open() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	if t.conn == nil {
		conn, _, err := t.dialer.Dial(t.url, nil)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.conn = conn
	}
	t.send = make(chan core.Frame, sendQueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.writePump(ctx)
	go t.readPump(ctx)
	return nil
}

// Send queues one frame for delivery, failing fast under backpressure.
func (t *WS) Send(f core.Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.send == nil {
		return errors.New("transport closed")
	}
	select {
	case t.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (t *WS) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.send != nil {
		close(t.send)
	}
	conn := t.conn
	onClose := t.onClose
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if onClose != nil {
		onClose()
	}
}

func (t *WS) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-t.send:
			if !ok {
				return
			}
			if err := t.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				t.reportError(err)
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump write error")
				t.reportError(err)
				return
			}
		}
	}
}

func (t *WS) readPump(ctx context.Context) {
	defer t.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := t.conn.ReadMessage()
			if err != nil {
				t.mu.RLock()
				closed := t.closed
				t.mu.RUnlock()
				if !closed {
					log.Error().Err(err).Str("module", "transport").Msg("readPump read error")
					t.reportError(err)
				}
				return
			}
			if t.onFrame != nil {
				t.onFrame(data)
			}
		}
	}
}

func (t *WS) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}
