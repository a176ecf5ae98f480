package audio

import (
	"errors"
	"sync/atomic"
)

// NullOutput discards everything written to its sinks.
type NullOutput struct {
	closed atomic.Bool
}

func NewNullOutput() *NullOutput { return &NullOutput{} }

func (o *NullOutput) NewSink(format Format) (Sink, error) {
	if o.closed.Load() {
		return nil, errors.New("audio: null output closed")
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	return &nullSink{}, nil
}

func (o *NullOutput) Close() { o.closed.Store(true) }

type nullSink struct {
	closed atomic.Bool
}

func (s *nullSink) Write(pcm []byte) (int, error) {
	if s.closed.Load() {
		return 0, errors.New("audio: sink closed")
	}
	return len(pcm), nil
}

func (s *nullSink) Close() error {
	s.closed.Store(true)
	return nil
}
