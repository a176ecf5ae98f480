package gain

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/tabgain/internal/audio"
)

// graph wires source -> gain -> sink for one tab.
type graph struct {
	source audio.Stream
	node   *Node
	sink   audio.Sink

	onFrames func(n uint32)
	frames   atomic.Uint64

	mu      sync.Mutex // serialises process against close
	closed  bool
	scratch []byte
}

func newGraph(source audio.Stream, sink audio.Sink, percent int, onFrames func(uint32)) *graph {
	g := &graph{
		source:   source,
		node:     newNode(percent),
		sink:     sink,
		onFrames: onFrames,
	}
	source.SetCallback(g.process)
	return g
}

func (g *graph) process(data []byte, frameCount uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || len(data) == 0 {
		return
	}
	if cap(g.scratch) < len(data) {
		g.scratch = make([]byte, len(data))
	}
	out := g.scratch[:len(data)]
	g.node.Apply(out, data)
	if _, err := g.sink.Write(out); err != nil {
		slog.Debug("gain sink write failed", "stream", g.source.ID(), "error", err)
		return
	}
	g.frames.Add(uint64(frameCount))
	if g.onFrames != nil {
		g.onFrames(frameCount)
	}
}

// close detaches the source and releases the sink. Safe to call twice.
func (g *graph) close() error {
	g.source.ClearCallback()
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.scratch = nil
	g.mu.Unlock()
	return g.sink.Close()
}
