package cdpcontrol

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/tabgain/internal/audio"
)

const streamQueueSize = 64

// bindingStream is the audio.Stream for one capture. PCM arrives through
// Runtime.bindingCalled on the CDP read loop and is handed to a writer
// goroutine, which decodes it and runs the data callback.
type bindingStream struct {
	handle   string
	tabID    int
	targetID string
	binding  string
	format   audio.Format

	cb      atomic.Pointer[audio.DataCallback]
	opened  atomic.Bool
	dropped atomic.Int64
	track   *bindingTrack

	payloads chan string
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex // protects: stopped, release
	stopped bool
	release func() // page-side teardown, run once on stop
}

func newBindingStream(handle string, tabID int, targetID, binding string, format audio.Format, release func()) *bindingStream {
	s := &bindingStream{
		handle:   handle,
		tabID:    tabID,
		targetID: targetID,
		binding:  binding,
		format:   format,
		payloads: make(chan string, streamQueueSize),
		done:     make(chan struct{}),
		release:  release,
	}
	s.track = &bindingTrack{id: handle + "-audio", stream: s}
	s.wg.Add(1)
	go s.writerLoop()
	return s
}

func (s *bindingStream) ID() string                        { return s.handle }
func (s *bindingStream) Format() audio.Format              { return s.format }
func (s *bindingStream) Tracks() []audio.Track             { return []audio.Track{s.track} }
func (s *bindingStream) SetCallback(cb audio.DataCallback) { s.cb.Store(&cb) }
func (s *bindingStream) ClearCallback()                    { s.cb.Store(nil) }

// handlePayload is called from rawCDP's readLoop and must never block. When
// the writer falls behind the newest chunk is dropped.
func (s *bindingStream) handlePayload(payload string) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.payloads <- payload:
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			slog.Debug("capture stream dropping audio", "stream_handle", s.handle, "dropped", n)
		}
	}
}

func (s *bindingStream) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case p := <-s.payloads:
			s.deliver(p)
		case <-s.done:
			return
		}
	}
}

func (s *bindingStream) deliver(payload string) {
	cb := s.cb.Load()
	if cb == nil {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		slog.Warn("capture stream decode failed", "stream_handle", s.handle, "error", err)
		return
	}
	frame := s.format.FrameBytes()
	if frame == 0 || len(pcm) < frame {
		return
	}
	(*cb)(pcm, uint32(len(pcm)/frame))
}

// abort stops delivery without touching the page. Safe to call while
// holding c.mu.
func (s *bindingStream) abort() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	s.release = nil
	s.mu.Unlock()
	close(s.done)
	return true
}

// stop ends delivery and runs the page-side release once.
func (s *bindingStream) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	release := s.release
	s.release = nil
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	if release != nil {
		release()
	}
}

func (s *bindingStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type bindingTrack struct {
	id     string
	stream *bindingStream
}

func (t *bindingTrack) ID() string    { return t.id }
func (t *bindingTrack) Stop()         { t.stream.stop() }
func (t *bindingTrack) Stopped() bool { return t.stream.isStopped() }
