package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/dgnsrekt/tabgain/internal/cdpcontrol"
	"github.com/dgnsrekt/tabgain/internal/coordinator"
	"github.com/dgnsrekt/tabgain/internal/gain"
	"github.com/dgnsrekt/tabgain/internal/relay"
	"github.com/dgnsrekt/tabgain/internal/store"
)

type fakeBrowser struct {
	tabs      []cdpcontrol.TabInfo
	err       error
	connected bool
}

func (b *fakeBrowser) ListTabs(context.Context) ([]cdpcontrol.TabInfo, error) {
	return b.tabs, b.err
}

func (b *fakeBrowser) Tab(_ context.Context, tabID int) (cdpcontrol.TabInfo, error) {
	for _, t := range b.tabs {
		if t.TabID == tabID {
			return t, nil
		}
	}
	return cdpcontrol.TabInfo{}, cdpcontrol.NewError(cdpcontrol.CodeTabNotFound, "tab not found")
}

func (b *fakeBrowser) Connected() bool { return b.connected }

type fakeEngine struct {
	sessions []gain.SessionInfo
}

func (e *fakeEngine) StartAudio(context.Context, relay.StartAudioRequest) (relay.StartAudioResponse, error) {
	return relay.StartAudioResponse{}, nil
}

func (e *fakeEngine) StopAudio(context.Context, relay.StopAudioRequest) (relay.StopAudioResponse, error) {
	return relay.StopAudioResponse{}, nil
}

func (e *fakeEngine) UpdateGain(context.Context, relay.UpdateGainRequest) (relay.UpdateGainResponse, error) {
	return relay.UpdateGainResponse{}, nil
}

func (e *fakeEngine) Sessions() []gain.SessionInfo { return e.sessions }
func (e *fakeEngine) Close() error                 { return nil }

type fakeCaptures struct {
	active  map[int]gain.SessionInfo
	engine  *fakeEngine
	started []int
}

func (c *fakeCaptures) StartCapture(_ context.Context, req relay.StartCaptureRequest) (relay.StartCaptureResponse, error) {
	c.started = append(c.started, req.TabID)
	return relay.StartCaptureResponse{TabID: req.TabID, GainPercent: 100}, nil
}

func (c *fakeCaptures) StopCapture(_ context.Context, req relay.StopCaptureRequest) (relay.StopCaptureResponse, error) {
	_, ok := c.active[req.TabID]
	delete(c.active, req.TabID)
	return relay.StopCaptureResponse{TabID: req.TabID, Stopped: ok}, nil
}

func (c *fakeCaptures) Session(tabID int) (gain.SessionInfo, error) {
	s, ok := c.active[tabID]
	if !ok {
		return gain.SessionInfo{}, coordinator.ErrNotCapturing
	}
	return s, nil
}

func (c *fakeCaptures) IsActive(tabID int) bool {
	_, ok := c.active[tabID]
	return ok
}

func (c *fakeCaptures) Active() []int {
	ids := make([]int, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

func (c *fakeCaptures) Engine() (relay.AudioEngine, bool) {
	if c.engine == nil {
		return nil, false
	}
	return c.engine, true
}

func newTestService(t *testing.T) (*Service, *fakeBrowser, *fakeCaptures, *store.Store) {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	b := &fakeBrowser{connected: true}
	c := &fakeCaptures{active: make(map[int]gain.SessionInfo)}
	return NewService(b, c, st, relay.NewBroker()), b, c, st
}

func TestListTabsMergesVolumeAndCapture(t *testing.T) {
	s, b, c, st := newTestService(t)
	b.tabs = []cdpcontrol.TabInfo{{TabID: 1, Title: "radio"}, {TabID: 2, Title: "news"}}
	c.active[2] = gain.SessionInfo{TabID: 2}
	_ = st.Set(map[string]any{"2": 320, "capture_2": true, "1": "garbage"})

	tabs, err := s.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("ListTabs() len = %d; want 2", len(tabs))
	}
	if tabs[0].GainPercent != 100 || tabs[0].Capturing {
		t.Fatalf("tab 1 = %+v; want 100, not capturing", tabs[0])
	}
	if tabs[1].GainPercent != 320 || !tabs[1].Capturing {
		t.Fatalf("tab 2 = %+v; want 320, capturing", tabs[1])
	}
}

func TestListTabsPropagatesBrowserError(t *testing.T) {
	s, b, _, _ := newTestService(t)
	b.err = cdpcontrol.NewError(cdpcontrol.CodeCDPUnavailable, "down")
	if _, err := s.ListTabs(context.Background()); !cdpcontrol.IsCode(err, cdpcontrol.CodeCDPUnavailable) {
		t.Fatalf("ListTabs() error = %v; want CDP_UNAVAILABLE", err)
	}
}

func TestSetVolumeCoercesAndStores(t *testing.T) {
	s, _, _, st := newTestService(t)
	tests := []struct {
		in   any
		want int
	}{
		{250, 250},
		{900, 500},
		{-3, 0},
		{"loud", 100},
		{nil, 100},
		{175.9, 175},
	}
	for _, tt := range tests {
		resp, err := s.SetVolume(context.Background(), relay.SetVolumeRequest{TabID: 7, Percent: tt.in})
		if err != nil {
			t.Fatalf("SetVolume(%v) error = %v", tt.in, err)
		}
		if resp.Percent != tt.want {
			t.Fatalf("SetVolume(%v) = %d; want %d", tt.in, resp.Percent, tt.want)
		}
		if got := st.Get("7")["7"]; got != tt.want {
			t.Fatalf("stored 7 = %v; want %d", got, tt.want)
		}
	}
}

func TestGetVolumeDefaultsTo100(t *testing.T) {
	s, _, _, st := newTestService(t)
	got, err := s.GetVolume(context.Background(), 9)
	if err != nil || got.Percent != 100 {
		t.Fatalf("GetVolume(9) = (%+v, %v); want 100", got, err)
	}
	_ = st.Set(map[string]any{"9": 40})
	got, _ = s.GetVolume(context.Background(), 9)
	if got.Percent != 40 {
		t.Fatalf("GetVolume(9) = %d; want 40", got.Percent)
	}
}

func TestRequireTabID(t *testing.T) {
	s, _, c, _ := newTestService(t)
	_, err := s.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: 0})
	var coded *cdpcontrol.CodedError
	if !errors.As(err, &coded) || coded.Code != cdpcontrol.CodeValidation {
		t.Fatalf("StartCapture(0) error = %v; want VALIDATION", err)
	}
	if coded.Message != "tab_id must be positive" {
		t.Fatalf("message = %q", coded.Message)
	}
	if len(c.started) != 0 {
		t.Fatal("coordinator reached with an invalid tab")
	}
	if _, err := s.SetVolume(context.Background(), relay.SetVolumeRequest{TabID: -1, Percent: 10}); err == nil {
		t.Fatal("SetVolume(-1) error = nil; want validation error")
	}
}

func TestGetCapture(t *testing.T) {
	s, _, c, _ := newTestService(t)
	c.active[3] = gain.SessionInfo{TabID: 3, GainPercent: 200}

	state, err := s.GetCapture(3)
	if err != nil || !state.Capturing || state.Session.GainPercent != 200 {
		t.Fatalf("GetCapture(3) = (%+v, %v); want capturing at 200", state, err)
	}
	state, err = s.GetCapture(4)
	if err != nil || state.Capturing || state.Session != nil {
		t.Fatalf("GetCapture(4) = (%+v, %v); want idle", state, err)
	}
}

func TestSessionsAndHealth(t *testing.T) {
	s, _, c, _ := newTestService(t)
	if got := s.ListSessions(); got == nil || len(got) != 0 {
		t.Fatalf("ListSessions() = %v; want empty non-nil", got)
	}
	h := s.Health()
	if !h.CDPConnected || h.HostReady || h.ActiveCaptures != 0 {
		t.Fatalf("Health() = %+v; want connected, no host", h)
	}

	c.engine = &fakeEngine{sessions: []gain.SessionInfo{{TabID: 5}}}
	c.active[5] = gain.SessionInfo{TabID: 5}
	if got := s.ListSessions(); len(got) != 1 || got[0].TabID != 5 {
		t.Fatalf("ListSessions() = %v; want tab 5", got)
	}
	h = s.Health()
	if !h.HostReady || h.ActiveCaptures != 1 {
		t.Fatalf("Health() = %+v; want host ready, 1 capture", h)
	}
}
