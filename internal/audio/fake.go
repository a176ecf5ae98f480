package audio

import (
	"errors"
	"sync"
	"sync/atomic"
)

// FakeOutput is an in-memory Output. It backs the "null" audio backend and
// the tests.
type FakeOutput struct {
	mu     sync.Mutex
	sinks  []*FakeSink
	fail   error
	closed bool
}

func NewFakeOutput() *FakeOutput { return &FakeOutput{} }

// FailNext makes subsequent NewSink calls return err until reset with nil.
func (o *FakeOutput) FailNext(err error) {
	o.mu.Lock()
	o.fail = err
	o.mu.Unlock()
}

func (o *FakeOutput) NewSink(format Format) (Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("fake output closed")
	}
	if o.fail != nil {
		return nil, o.fail
	}
	s := &FakeSink{format: format}
	o.sinks = append(o.sinks, s)
	return s, nil
}

func (o *FakeOutput) Sinks() []*FakeSink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*FakeSink(nil), o.sinks...)
}

func (o *FakeOutput) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *FakeOutput) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// FakeSink records everything written to it.
type FakeSink struct {
	format Format

	mu     sync.Mutex
	data   []byte
	closed bool
}

func (s *FakeSink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("fake sink closed")
	}
	s.data = append(s.data, pcm...)
	return len(pcm), nil
}

func (s *FakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *FakeSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func (s *FakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeStream is a Stream fed by Push.
type FakeStream struct {
	id     string
	format Format
	tracks []Track

	cb atomic.Pointer[DataCallback]
}

func NewFakeStream(id string, format Format) *FakeStream {
	return &FakeStream{id: id, format: format, tracks: []Track{&FakeTrack{id: id + "-audio"}}}
}

func (s *FakeStream) ID() string      { return s.id }
func (s *FakeStream) Format() Format  { return s.format }
func (s *FakeStream) Tracks() []Track { return s.tracks }

func (s *FakeStream) SetCallback(cb DataCallback) { s.cb.Store(&cb) }
func (s *FakeStream) ClearCallback()              { s.cb.Store(nil) }

// Push delivers PCM to the current callback. It reports false when nothing
// is attached or every track has been stopped.
func (s *FakeStream) Push(data []byte) bool {
	if s.AllStopped() {
		return false
	}
	cb := s.cb.Load()
	if cb == nil {
		return false
	}
	frame := s.format.FrameBytes()
	if frame == 0 {
		frame = 1
	}
	(*cb)(data, uint32(len(data)/frame))
	return true
}

func (s *FakeStream) AllStopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

type FakeTrack struct {
	id      string
	stopped atomic.Bool
}

func (t *FakeTrack) ID() string    { return t.id }
func (t *FakeTrack) Stop()         { t.stopped.Store(true) }
func (t *FakeTrack) Stopped() bool { return t.stopped.Load() }
