package audio

import "fmt"

// BytesPerSample is the width of one S16LE sample.
const BytesPerSample = 2

// DataCallback receives interleaved S16LE PCM as it arrives from a stream.
type DataCallback func(data []byte, frameCount uint32)

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate uint32
	Channels   uint32
}

// DefaultFormat is what tab capture produces unless configured otherwise.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2}

// FrameBytes is the byte size of one frame (one sample per channel).
func (f Format) FrameBytes() int {
	return int(f.Channels) * BytesPerSample
}

// Validate rejects formats the outputs cannot open.
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return fmt.Errorf("audio: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("audio: unsupported channel count %d", f.Channels)
	}
	return nil
}

// Track is one media track of a captured stream. Stopping a track releases
// the capture on the browser side so its sharing indicator clears.
type Track interface {
	ID() string
	Stop()
	Stopped() bool
}

// Stream is a live captured audio feed. Data is pushed to the callback set
// with SetCallback until the tracks are stopped.
type Stream interface {
	ID() string
	Format() Format
	Tracks() []Track
	SetCallback(cb DataCallback)
	ClearCallback()
}

// StopTracks stops every track of s.
func StopTracks(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// Sink accepts processed PCM for playback.
type Sink interface {
	Write(pcm []byte) (int, error)
	Close() error
}

// Output is the audio backend sinks are opened on. One Output is shared by
// every tab graph in the process.
type Output interface {
	NewSink(format Format) (Sink, error)
	Close()
}
