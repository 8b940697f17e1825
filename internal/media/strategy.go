package media

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// workletStrategy is the preferred pipeline: small fixed frames processed by
// the dedicated worklet module, which shapes samples and posts PCM plus an
// amplitude level per frame.
type workletStrategy struct {
	params ShaperParams
	mu     sync.Mutex
	done   chan struct{}
}

func newWorkletStrategy() *workletStrategy {
	return &workletStrategy{params: DefaultShaperParams()}
}

func (s *workletStrategy) Name() string { return "worklet" }

// worklet frames are fixed regardless of the tier's buffer size; the tier
// only affects the fallback path.
const workletFrameSize = 128

func (s *workletStrategy) Start(src AudioStream, _ int, sink CaptureSink) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(src, done, sink)
	return nil
}

func (s *workletStrategy) loop(src AudioStream, done chan struct{}, sink CaptureSink) {
	buf := make([]float32, workletFrameSize)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := src.ReadFrame(buf)
		if err != nil {
			if err != errStopped {
				log.Debug().Err(err).Str("module", "media").Msg("worklet read ended")
			}
			return
		}
		if n == 0 {
			continue
		}
		frame := buf[:n]
		sink(FloatToPCM16(frame, s.params), Amplitude(frame))
	}
}

func (s *workletStrategy) Stop() {
	s.mu.Lock()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()
}

// bufferStrategy is the fallback used when the worklet module fails to load.
// Functionally equivalent: larger script-style buffers, gentle compression
// above the clipping threshold, then 16-bit quantization.
type bufferStrategy struct {
	params ShaperParams
	mu     sync.Mutex
	done   chan struct{}
}

func newBufferStrategy() *bufferStrategy {
	return &bufferStrategy{params: DefaultShaperParams()}
}

func (s *bufferStrategy) Name() string { return "buffer" }

func (s *bufferStrategy) Start(src AudioStream, bufferSize int, sink CaptureSink) error {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(src, bufferSize, done, sink)
	return nil
}

func (s *bufferStrategy) loop(src AudioStream, bufferSize int, done chan struct{}, sink CaptureSink) {
	buf := make([]float32, bufferSize)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := src.ReadFrame(buf)
		if err != nil {
			if err != errStopped {
				log.Debug().Err(err).Str("module", "media").Msg("buffer read ended")
			}
			return
		}
		if n == 0 {
			continue
		}
		frame := buf[:n]
		sink(FloatToPCM16(frame, s.params), Amplitude(frame))
	}
}

func (s *bufferStrategy) Stop() {
	s.mu.Lock()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()
}
