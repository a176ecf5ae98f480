package audio

import "sync"

// pcmBuffer is a bounded FIFO between a stream callback and a playback
// device. When the writer runs ahead the oldest audio is dropped; reads past
// the end are filled with silence.
type pcmBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
	align int
}

func newPCMBuffer(format Format, maxMillis int) *pcmBuffer {
	frame := format.FrameBytes()
	frames := int(format.SampleRate) * maxMillis / 1000
	if frames < 1 {
		frames = 1
	}
	return &pcmBuffer{limit: frames * frame, align: frame}
}

func (b *pcmBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		// drop whole frames so channels stay interleaved correctly
		if rem := over % b.align; rem != 0 {
			over += b.align - rem
		}
		if over > len(b.data) {
			over = len(b.data)
		}
		b.data = append(b.data[:0], b.data[over:]...)
	}
	return len(p), nil
}

// Read copies buffered audio into p and zero-fills the rest. It returns the
// number of bytes that carried real audio.
func (b *pcmBuffer) Read(p []byte) int {
	b.mu.Lock()
	n := copy(p, b.data)
	b.data = append(b.data[:0], b.data[n:]...)
	b.mu.Unlock()
	clear(p[n:])
	return n
}

func (b *pcmBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
