package controller

import (
	"context"
	"errors"

	"github.com/dgnsrekt/tabgain/internal/cdpcontrol"
	"github.com/dgnsrekt/tabgain/internal/coordinator"
	"github.com/dgnsrekt/tabgain/internal/gain"
	"github.com/dgnsrekt/tabgain/internal/relay"
	"github.com/dgnsrekt/tabgain/internal/store"
)

// Browser is the tab enumeration the service reads.
type Browser interface {
	ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
	Tab(ctx context.Context, tabID int) (cdpcontrol.TabInfo, error)
	Connected() bool
}

// Captures is the capture lifecycle the service drives.
type Captures interface {
	StartCapture(ctx context.Context, req relay.StartCaptureRequest) (relay.StartCaptureResponse, error)
	StopCapture(ctx context.Context, req relay.StopCaptureRequest) (relay.StopCaptureResponse, error)
	Session(tabID int) (gain.SessionInfo, error)
	IsActive(tabID int) bool
	Active() []int
	Engine() (relay.AudioEngine, bool)
}

// Volumes is the persisted volume store.
type Volumes interface {
	Get(keys ...string) map[string]any
	Set(values map[string]any) error
}

// TabState is a tab with its stored volume and capture state.
type TabState struct {
	cdpcontrol.TabInfo
	GainPercent int  `json:"gain_percent"`
	Capturing   bool `json:"capturing"`
}

// CaptureState reports a tab's capture and, when capturing, its session.
type CaptureState struct {
	TabID     int               `json:"tab_id"`
	Capturing bool              `json:"capturing"`
	Session   *gain.SessionInfo `json:"session,omitempty"`
}

type Health struct {
	CDPConnected   bool `json:"cdp_connected"`
	HostReady      bool `json:"host_ready"`
	ActiveCaptures int  `json:"active_captures"`
	EventClients   int  `json:"event_clients"`
}

// Service composes tab enumeration, the capture coordinator and the volume
// store behind one control surface.
type Service struct {
	browser  Browser
	captures Captures
	volumes  Volumes
	broker   *relay.Broker
}

func NewService(browser Browser, captures Captures, volumes Volumes, broker *relay.Broker) *Service {
	return &Service{browser: browser, captures: captures, volumes: volumes, broker: broker}
}

func requireTabID(tabID int) error {
	if tabID <= 0 {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "tab_id must be positive"}
	}
	return nil
}

// ListTabs returns every capturable tab with its volume (100 when unset) and
// whether it is being boosted.
func (s *Service) ListTabs(ctx context.Context) ([]TabState, error) {
	tabs, err := s.browser.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(tabs))
	for _, t := range tabs {
		keys = append(keys, store.VolumeKey(t.TabID))
	}
	stored := s.volumes.Get(keys...)

	out := make([]TabState, 0, len(tabs))
	for _, t := range tabs {
		state := TabState{TabInfo: t, GainPercent: gain.DefaultPercent, Capturing: s.captures.IsActive(t.TabID)}
		if v, ok := stored[store.VolumeKey(t.TabID)]; ok {
			state.GainPercent = gain.CoercePercent(v)
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *Service) StartCapture(ctx context.Context, req relay.StartCaptureRequest) (relay.StartCaptureResponse, error) {
	if err := requireTabID(req.TabID); err != nil {
		return relay.StartCaptureResponse{}, err
	}
	return s.captures.StartCapture(ctx, req)
}

func (s *Service) StopCapture(ctx context.Context, req relay.StopCaptureRequest) (relay.StopCaptureResponse, error) {
	if err := requireTabID(req.TabID); err != nil {
		return relay.StopCaptureResponse{}, err
	}
	return s.captures.StopCapture(ctx, req)
}

func (s *Service) GetCapture(tabID int) (CaptureState, error) {
	if err := requireTabID(tabID); err != nil {
		return CaptureState{}, err
	}
	state := CaptureState{TabID: tabID}
	session, err := s.captures.Session(tabID)
	switch {
	case err == nil:
		state.Capturing = true
		state.Session = &session
	case errors.Is(err, coordinator.ErrNotCapturing):
	default:
		return CaptureState{}, err
	}
	return state, nil
}

// GetVolume returns the stored percent for a tab, 100 when none is stored.
func (s *Service) GetVolume(_ context.Context, tabID int) (relay.SetVolumeResponse, error) {
	if err := requireTabID(tabID); err != nil {
		return relay.SetVolumeResponse{}, err
	}
	key := store.VolumeKey(tabID)
	percent := gain.DefaultPercent
	if v, ok := s.volumes.Get(key)[key]; ok {
		percent = gain.CoercePercent(v)
	}
	return relay.SetVolumeResponse{TabID: tabID, Percent: percent}, nil
}

// SetVolume coerces the requested percent and stores it. A live session picks
// the new value up through the change feed.
func (s *Service) SetVolume(_ context.Context, req relay.SetVolumeRequest) (relay.SetVolumeResponse, error) {
	if err := requireTabID(req.TabID); err != nil {
		return relay.SetVolumeResponse{}, err
	}
	percent := gain.CoercePercent(req.Percent)
	if err := s.volumes.Set(map[string]any{store.VolumeKey(req.TabID): percent}); err != nil {
		return relay.SetVolumeResponse{}, err
	}
	return relay.SetVolumeResponse{TabID: req.TabID, Percent: percent}, nil
}

// ListSessions returns the live gain sessions; none before the audio host
// exists.
func (s *Service) ListSessions() []gain.SessionInfo {
	engine, ok := s.captures.Engine()
	if !ok {
		return []gain.SessionInfo{}
	}
	return engine.Sessions()
}

func (s *Service) Health() Health {
	_, hostReady := s.captures.Engine()
	h := Health{
		CDPConnected:   s.browser.Connected(),
		HostReady:      hostReady,
		ActiveCaptures: len(s.captures.Active()),
	}
	if s.broker != nil {
		h.EventClients = s.broker.ClientCount()
	}
	return h
}
