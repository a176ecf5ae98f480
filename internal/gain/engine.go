package gain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tabgain/internal/audio"
	"github.com/dgnsrekt/tabgain/internal/metrics"
	"github.com/google/uuid"
)

// ErrEngineClosed is returned by CreateSession after Close.
var ErrEngineClosed = errors.New("gain engine closed")

// StreamOpener acquires the live stream behind a capture handle.
type StreamOpener interface {
	OpenStream(ctx context.Context, handle string) (audio.Stream, error)
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID           string    `json:"id"`
	TabID        int       `json:"tab_id"`
	StreamHandle string    `json:"stream_handle"`
	GainPercent  int       `json:"gain_percent"`
	Multiplier   float64   `json:"multiplier"`
	Frames       uint64    `json:"frames"`
	CreatedAt    time.Time `json:"created_at"`
}

type session struct {
	id        string
	tabID     int
	handle    string
	stream    audio.Stream
	graph     *graph
	createdAt time.Time
}

func (s *session) info() SessionInfo {
	p := s.graph.node.Percent()
	return SessionInfo{
		ID:           s.id,
		TabID:        s.tabID,
		StreamHandle: s.handle,
		GainPercent:  p,
		Multiplier:   s.graph.node.Value(),
		Frames:       s.graph.frames.Load(),
		CreatedAt:    s.createdAt,
	}
}

// teardown stops the capture tracks first so the browser drops its sharing
// indicator, then releases the graph.
func (s *session) teardown() {
	audio.StopTracks(s.stream)
	if err := s.graph.close(); err != nil {
		slog.Debug("gain graph close failed", "tab_id", s.tabID, "session_id", s.id, "error", err)
	}
}

// Engine owns one audio graph per captured tab.
type Engine struct {
	streams StreamOpener
	output  audio.Output
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[int]*session
	closed   bool
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(streams StreamOpener, output audio.Output, opts ...Option) *Engine {
	e := &Engine{
		streams:  streams,
		output:   output,
		sessions: make(map[int]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSession builds the graph for tabID from the stream behind handle,
// replacing any session the tab already has. Nothing is registered unless
// every step succeeds.
func (e *Engine) CreateSession(ctx context.Context, tabID int, handle string, initialPercent int) (SessionInfo, error) {
	if strings.TrimSpace(handle) == "" {
		return SessionInfo{}, fmt.Errorf("gain: empty stream handle for tab %d", tabID)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return SessionInfo{}, ErrEngineClosed
	}
	e.DestroySession(tabID)

	stream, err := e.streams.OpenStream(ctx, handle)
	if err != nil {
		slog.Warn("gain stream acquire failed", "tab_id", tabID, "stream_handle", handle, "error", err)
		return SessionInfo{}, fmt.Errorf("gain: open stream for tab %d: %w", tabID, err)
	}
	if err := ctx.Err(); err != nil {
		audio.StopTracks(stream)
		return SessionInfo{}, err
	}

	sink, err := e.output.NewSink(stream.Format())
	if err != nil {
		audio.StopTracks(stream)
		slog.Error("gain sink open failed", "tab_id", tabID, "stream_handle", handle, "error", err)
		return SessionInfo{}, fmt.Errorf("gain: open sink for tab %d: %w", tabID, err)
	}

	s := &session{
		id:        uuid.NewString(),
		tabID:     tabID,
		handle:    handle,
		stream:    stream,
		createdAt: time.Now().UTC(),
	}
	s.graph = newGraph(stream, sink, initialPercent, e.countFrames)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.teardown()
		return SessionInfo{}, ErrEngineClosed
	}
	prev := e.sessions[tabID]
	e.sessions[tabID] = s
	active := len(e.sessions)
	e.mu.Unlock()

	if prev != nil {
		slog.Warn("gain session replaced by concurrent create", "tab_id", tabID, "old_session_id", prev.id)
		prev.teardown()
	}
	e.setActive(active)

	info := s.info()
	slog.Info("gain session created",
		"tab_id", tabID,
		"session_id", s.id,
		"stream_handle", handle,
		"gain_percent", info.GainPercent,
	)
	return info, nil
}

// UpdateGain applies percent to the tab's live graph. It reports false when
// the tab has no session.
func (e *Engine) UpdateGain(tabID, percent int) (SessionInfo, bool) {
	e.mu.Lock()
	s, ok := e.sessions[tabID]
	e.mu.Unlock()
	if !ok {
		slog.Debug("gain update ignored, no session", "tab_id", tabID, "percent", percent)
		return SessionInfo{}, false
	}
	applied := s.graph.node.Set(percent)
	if e.metrics != nil {
		e.metrics.GainUpdates.Inc()
	}
	slog.Debug("gain updated", "tab_id", tabID, "percent", applied)
	return s.info(), true
}

// DestroySession tears the tab's session down. It reports false when there
// was nothing to destroy.
func (e *Engine) DestroySession(tabID int) bool {
	e.mu.Lock()
	s, ok := e.sessions[tabID]
	if ok {
		delete(e.sessions, tabID)
	}
	active := len(e.sessions)
	e.mu.Unlock()
	if !ok {
		return false
	}

	s.teardown()
	e.setActive(active)
	slog.Info("gain session destroyed", "tab_id", tabID, "session_id", s.id)
	return true
}

func (e *Engine) Session(tabID int) (SessionInfo, bool) {
	e.mu.Lock()
	s, ok := e.sessions[tabID]
	e.mu.Unlock()
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Sessions returns every live session ordered by tab ID.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.Lock()
	list := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		list = append(list, s)
	}
	e.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Close destroys every session and releases the output backend.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := e.sessions
	e.sessions = make(map[int]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.teardown()
	}
	e.setActive(0)
	e.output.Close()
	slog.Info("gain engine closed", "sessions", len(sessions))
	return nil
}

func (e *Engine) setActive(n int) {
	if e.metrics != nil {
		e.metrics.SessionsActive.Set(float64(n))
	}
}

func (e *Engine) countFrames(n uint32) {
	if e.metrics != nil {
		e.metrics.FramesProcessed.Add(float64(n))
	}
}
