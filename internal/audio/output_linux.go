//go:build linux

package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
)

const sinkBufferMillis = 500

type pulseOutput struct {
	client *pulse.Client
}

// NewOutput connects to the PulseAudio (or PipeWire-pulse) server.
func NewOutput() (Output, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("tabgain"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseOutput{client: c}, nil
}

func (p *pulseOutput) NewSink(format Format) (Sink, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	buf := newPCMBuffer(format, sinkBufferMillis)
	var scratch []byte

	reader := pulse.Int16Reader(func(out []int16) (int, error) {
		need := len(out) * BytesPerSample
		if cap(scratch) < need {
			scratch = make([]byte, need)
		}
		scratch = scratch[:need]
		buf.Read(scratch)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(scratch[i*BytesPerSample:]))
		}
		return len(out), nil
	})

	opts := []pulse.PlaybackOption{
		pulse.PlaybackSampleRate(int(format.SampleRate)),
		pulse.PlaybackLatency(0.05),
		pulse.PlaybackMediaName("tabgain tab audio"),
	}
	if format.Channels == 1 {
		opts = append(opts, pulse.PlaybackMono)
	} else {
		opts = append(opts, pulse.PlaybackStereo)
	}

	stream, err := p.client.NewPlayback(reader, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse playback: %w", err)
	}
	stream.Start()
	return &pulseSink{stream: stream, buf: buf}, nil
}

func (p *pulseOutput) Close() {
	p.client.Close()
}

type pulseSink struct {
	stream *pulse.PlaybackStream
	buf    *pcmBuffer
	once   sync.Once
}

func (s *pulseSink) Write(pcm []byte) (int, error) {
	return s.buf.Write(pcm)
}

func (s *pulseSink) Close() error {
	s.once.Do(func() {
		s.stream.Stop()
		s.stream.Close()
	})
	return nil
}
