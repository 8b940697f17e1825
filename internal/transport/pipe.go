package transport

import (
	"errors"
	"sync"

	"github.com/calmora/livebridge/internal/core"
)

// PipeEnd is one half of an in-memory transport pair. Frames sent on one end
// are delivered synchronously to the peer's OnFrame handler, preserving
// arrival order. Used by the mock gateway endpoint and by tests.
type PipeEnd struct {
	mu     sync.Mutex
	peer   *PipeEnd
	open   bool
	closed bool

	onFrame func(core.Frame)
	onError func(error)
	onClose func()
}

// Pipe returns two connected transport ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{}
	b := &PipeEnd{}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *PipeEnd) OnFrame(fn func(core.Frame)) {
	p.mu.Lock()
	p.onFrame = fn
	p.mu.Unlock()
}

func (p *PipeEnd) OnError(fn func(error)) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

func (p *PipeEnd) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

func (p *PipeEnd) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pipe closed")
	}
	p.open = true
	return nil
}

func (p *PipeEnd) Send(f core.Frame) error {
	p.mu.Lock()
	if p.closed || !p.open {
		p.mu.Unlock()
		return errors.New("pipe not open")
	}
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	handler := peer.onFrame
	closed := peer.closed
	peer.mu.Unlock()
	if closed {
		return errors.New("peer closed")
	}
	if handler != nil {
		handler(append(core.Frame(nil), f...))
	}
	return nil
}

func (p *PipeEnd) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	onClose := p.onClose
	peer := p.peer
	p.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	if peer != nil {
		peer.closeFromPeer()
	}
}

func (p *PipeEnd) closeFromPeer() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	onClose := p.onClose
	p.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}
