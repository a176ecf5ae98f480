// Package coordinator owns the capture lifecycle of every tab: it starts and
// stops captures, keeps the tab's own audio muted while boosted, records the
// capture state in the store and creates the shared audio host on demand.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/tabgain/internal/cdpcontrol"
	"github.com/dgnsrekt/tabgain/internal/gain"
	"github.com/dgnsrekt/tabgain/internal/lazy"
	"github.com/dgnsrekt/tabgain/internal/metrics"
	"github.com/dgnsrekt/tabgain/internal/relay"
	"github.com/dgnsrekt/tabgain/internal/store"
)

const (
	hostName          = "audio-host"
	tabRemovedTimeout = 10 * time.Second
	closeStopTimeout  = 5 * time.Second
)

var (
	// ErrHostUnavailable means the shared audio host could not be created.
	ErrHostUnavailable = errors.New("audio host unavailable")
	// ErrNotCapturing means the tab has no active capture.
	ErrNotCapturing = errors.New("tab is not being captured")
)

// Browser is the tab-level surface the coordinator drives.
type Browser interface {
	CaptureStreamID(ctx context.Context, tabID int) (string, error)
	DiscardStream(handle string)
	SetTabMuted(ctx context.Context, tabID int, muted bool) error
	TabURL(ctx context.Context, tabID int) (string, error)
}

// KV is the persisted store of volumes and capture flags.
type KV interface {
	GetAll() map[string]any
	Get(keys ...string) map[string]any
	Set(values map[string]any) error
	Remove(keys ...string) error
}

// Presets maps a tab URL to a starting percent.
type Presets interface {
	Match(url string) (int, bool)
}

// HostFactory builds the audio host. It runs at most once at a time.
type HostFactory func(ctx context.Context) (relay.AudioEngine, error)

type capture struct {
	SessionID    string
	StreamHandle string
	StartedAt    time.Time
}

type Coordinator struct {
	browser Browser
	kv      KV
	presets Presets
	metrics *metrics.Metrics

	hosts *lazy.Group[relay.AudioEngine]
	lanes *relay.Mailbox

	mu     sync.Mutex
	active map[int]capture
}

type Option func(*Coordinator)

func WithPresets(p Presets) Option {
	return func(c *Coordinator) { c.presets = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(browser Browser, kv KV, factory HostFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		browser: browser,
		kv:      kv,
		lanes:   relay.NewMailbox("coordinator"),
		active:  make(map[int]capture),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hosts = lazy.NewGroup(func(ctx context.Context, name string) (relay.AudioEngine, error) {
		slog.Info("audio host creating", "host", name)
		engine, err := factory(ctx)
		if err != nil {
			slog.Error("audio host creation failed", "host", name, "error", err)
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.HostCreations.Inc()
		}
		slog.Info("audio host ready", "host", name)
		return engine, nil
	})
	return c
}

// StartCapture begins boosting a tab. Starting an already captured tab
// restarts it with a fresh stream.
func (c *Coordinator) StartCapture(ctx context.Context, req relay.StartCaptureRequest) (relay.StartCaptureResponse, error) {
	if req.TabID <= 0 {
		return relay.StartCaptureResponse{}, cdpcontrol.NewError(cdpcontrol.CodeValidation, "tab id must be positive")
	}
	var resp relay.StartCaptureResponse
	err := c.lanes.Do(ctx, req.TabID, func(ctx context.Context) error {
		var err error
		resp, err = c.start(ctx, req.TabID)
		return err
	})
	return resp, err
}

func (c *Coordinator) start(ctx context.Context, tabID int) (relay.StartCaptureResponse, error) {
	engine, err := c.hosts.GetOrCreate(ctx, hostName)
	if err != nil {
		c.countStart("host_unavailable")
		return relay.StartCaptureResponse{}, fmt.Errorf("%w: %w", ErrHostUnavailable, err)
	}

	handle, err := c.browser.CaptureStreamID(ctx, tabID)
	if err != nil {
		switch {
		case cdpcontrol.IsPermissionDenied(err):
			slog.Warn("capture permission denied", "tab_id", tabID, "error", err)
			c.countStart("permission_denied")
		case cdpcontrol.IsTabGone(err):
			slog.Debug("capture target gone", "tab_id", tabID)
			c.countStart("tab_gone")
		default:
			slog.Warn("capture stream unavailable", "tab_id", tabID, "error", err)
			c.countStart("stream_failed")
		}
		return relay.StartCaptureResponse{}, err
	}

	c.setMuted(ctx, tabID, true)

	percent := c.initialPercent(ctx, tabID)
	values := map[string]any{store.CaptureFlagKey(tabID): true}
	if len(c.kv.Get(store.VolumeKey(tabID))) == 0 {
		values[store.VolumeKey(tabID)] = percent
	}
	if err := c.kv.Set(values); err != nil {
		slog.Warn("capture state persist failed", "tab_id", tabID, "error", err)
	}

	started, err := engine.StartAudio(ctx, relay.StartAudioRequest{
		TabID:              tabID,
		StreamHandle:       handle,
		InitialGainPercent: percent,
	})
	if err != nil {
		slog.Error("capture start rolled back", "tab_id", tabID, "stream_handle", handle, "error", err)
		c.browser.DiscardStream(handle)
		c.setMuted(context.WithoutCancel(ctx), tabID, false)
		if rmErr := c.kv.Remove(store.CaptureFlagKey(tabID)); rmErr != nil {
			slog.Warn("capture flag cleanup failed", "tab_id", tabID, "error", rmErr)
		}
		c.mu.Lock()
		delete(c.active, tabID)
		c.mu.Unlock()
		c.countStart("engine_failed")
		return relay.StartCaptureResponse{}, err
	}

	c.mu.Lock()
	c.active[tabID] = capture{
		SessionID:    started.Session.ID,
		StreamHandle: handle,
		StartedAt:    time.Now().UTC(),
	}
	c.mu.Unlock()
	c.countStart("ok")

	slog.Info("capture started", "tab_id", tabID, "session_id", started.Session.ID, "gain_percent", started.Session.GainPercent)
	return relay.StartCaptureResponse{
		TabID:       tabID,
		SessionID:   started.Session.ID,
		GainPercent: started.Session.GainPercent,
	}, nil
}

// StopCapture ends a tab's capture and restores its own audio. Stopping a
// tab that is not captured only clears a stale capture flag.
func (c *Coordinator) StopCapture(ctx context.Context, req relay.StopCaptureRequest) (relay.StopCaptureResponse, error) {
	if req.TabID <= 0 {
		return relay.StopCaptureResponse{}, cdpcontrol.NewError(cdpcontrol.CodeValidation, "tab id must be positive")
	}
	var resp relay.StopCaptureResponse
	err := c.lanes.Do(ctx, req.TabID, func(ctx context.Context) error {
		resp = relay.StopCaptureResponse{TabID: req.TabID, Stopped: c.stop(ctx, req.TabID, true)}
		return nil
	})
	return resp, err
}

func (c *Coordinator) stop(ctx context.Context, tabID int, unmute bool) bool {
	c.mu.Lock()
	_, active := c.active[tabID]
	delete(c.active, tabID)
	c.mu.Unlock()

	if active {
		if unmute {
			c.setMuted(ctx, tabID, false)
		}
		if engine, ok := c.hosts.Peek(hostName); ok {
			if _, err := engine.StopAudio(ctx, relay.StopAudioRequest{TabID: tabID}); err != nil {
				slog.Warn("capture stop audio failed", "tab_id", tabID, "error", err)
			}
		}
	}

	if err := c.kv.Remove(store.CaptureFlagKey(tabID)); err != nil {
		slog.Warn("capture flag cleanup failed", "tab_id", tabID, "error", err)
	}
	if active {
		slog.Info("capture stopped", "tab_id", tabID)
	}
	return active
}

// TabRemoved releases everything held for a closed tab, including its
// stored volume.
func (c *Coordinator) TabRemoved(tabID int) {
	ctx, cancel := context.WithTimeout(context.Background(), tabRemovedTimeout)
	defer cancel()
	err := c.lanes.Do(ctx, tabID, func(ctx context.Context) error {
		c.stop(ctx, tabID, false)
		return c.kv.Remove(store.VolumeKey(tabID), store.CaptureFlagKey(tabID))
	})
	if err != nil {
		slog.Warn("tab removal cleanup failed", "tab_id", tabID, "error", err)
		return
	}
	slog.Debug("tab removal cleaned up", "tab_id", tabID)
}

// Reconcile clears capture flags left by an earlier run and unmutes their
// tabs. Captures never survive a restart.
func (c *Coordinator) Reconcile(ctx context.Context) int {
	cleared := 0
	for raw := range c.kv.GetAll() {
		key, ok := store.ParseKey(raw)
		if !ok || key.Kind != store.KindCaptureFlag || c.IsActive(key.TabID) {
			continue
		}
		tabID := key.TabID
		err := c.lanes.Do(ctx, tabID, func(ctx context.Context) error {
			c.setMuted(ctx, tabID, false)
			return c.kv.Remove(raw)
		})
		if err != nil {
			slog.Warn("stale capture flag cleanup failed", "tab_id", tabID, "error", err)
			continue
		}
		cleared++
	}
	if cleared > 0 {
		slog.Info("stale captures reconciled", "cleared", cleared)
	}
	return cleared
}

// Session returns the live session for a captured tab.
func (c *Coordinator) Session(tabID int) (gain.SessionInfo, error) {
	if !c.IsActive(tabID) {
		return gain.SessionInfo{}, ErrNotCapturing
	}
	engine, ok := c.Engine()
	if !ok {
		return gain.SessionInfo{}, ErrNotCapturing
	}
	for _, s := range engine.Sessions() {
		if s.TabID == tabID {
			return s, nil
		}
	}
	return gain.SessionInfo{}, ErrNotCapturing
}

// Active returns the captured tab IDs in ascending order.
func (c *Coordinator) Active() []int {
	c.mu.Lock()
	ids := make([]int, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Ints(ids)
	return ids
}

func (c *Coordinator) IsActive(tabID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[tabID]
	return ok
}

// Engine returns the audio host if it exists, without creating it.
func (c *Coordinator) Engine() (relay.AudioEngine, bool) {
	return c.hosts.Peek(hostName)
}

// Close stops every capture, unmuting its tab, then shuts the audio host down.
func (c *Coordinator) Close(ctx context.Context) error {
	for _, tabID := range c.Active() {
		stopCtx, cancel := context.WithTimeout(ctx, closeStopTimeout)
		if _, err := c.StopCapture(stopCtx, relay.StopCaptureRequest{TabID: tabID}); err != nil {
			slog.Warn("capture stop on shutdown failed", "tab_id", tabID, "error", err)
		}
		cancel()
	}
	engine, ok := c.hosts.Forget(hostName)
	if !ok {
		return nil
	}
	slog.Info("audio host closing")
	return engine.Close()
}

func (c *Coordinator) initialPercent(ctx context.Context, tabID int) int {
	key := store.VolumeKey(tabID)
	if v, ok := c.kv.Get(key)[key]; ok {
		return gain.CoercePercent(v)
	}
	if c.presets != nil {
		url, err := c.browser.TabURL(ctx, tabID)
		if err != nil {
			slog.Debug("preset lookup skipped", "tab_id", tabID, "error", err)
		} else if p, ok := c.presets.Match(url); ok {
			slog.Debug("preset applied", "tab_id", tabID, "percent", p)
			return gain.ClampPercent(p)
		}
	}
	return gain.DefaultPercent
}

func (c *Coordinator) setMuted(ctx context.Context, tabID int, muted bool) {
	err := c.browser.SetTabMuted(ctx, tabID, muted)
	switch {
	case err == nil:
	case cdpcontrol.IsTabGone(err):
		slog.Debug("tab mute skipped, tab gone", "tab_id", tabID, "muted", muted)
	default:
		slog.Warn("tab mute failed", "tab_id", tabID, "muted", muted, "error", err)
	}
}

func (c *Coordinator) countStart(result string) {
	if c.metrics != nil {
		c.metrics.CaptureStarts.WithLabelValues(result).Inc()
	}
}
