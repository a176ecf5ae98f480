package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/tabgain/internal/audio"
	"github.com/dgnsrekt/tabgain/internal/cdpcontrol"
	"github.com/dgnsrekt/tabgain/internal/gain"
	"github.com/dgnsrekt/tabgain/internal/metrics"
	"github.com/dgnsrekt/tabgain/internal/relay"
	"github.com/dgnsrekt/tabgain/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type muteCall struct {
	tabID int
	muted bool
}

// fakeBrowser hands out FakeStreams and records mute calls. It is also the
// engine's StreamOpener.
type fakeBrowser struct {
	mu        sync.Mutex
	seq       int
	streams   map[string]*audio.FakeStream
	mutes     []muteCall
	discarded []string
	urls      map[int]string

	captureErr map[int]error
	muteErr    map[int]error
	openErr    error
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		streams:    make(map[string]*audio.FakeStream),
		urls:       make(map[int]string),
		captureErr: make(map[int]error),
		muteErr:    make(map[int]error),
	}
}

func (b *fakeBrowser) CaptureStreamID(_ context.Context, tabID int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.captureErr[tabID]; err != nil {
		return "", err
	}
	b.seq++
	handle := fmt.Sprintf("tab%d-%d", tabID, b.seq)
	b.streams[handle] = audio.NewFakeStream(handle, audio.DefaultFormat)
	return handle, nil
}

func (b *fakeBrowser) DiscardStream(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discarded = append(b.discarded, handle)
}

func (b *fakeBrowser) SetTabMuted(_ context.Context, tabID int, muted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mutes = append(b.mutes, muteCall{tabID, muted})
	return b.muteErr[tabID]
}

func (b *fakeBrowser) TabURL(_ context.Context, tabID int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url, ok := b.urls[tabID]
	if !ok {
		return "", cdpcontrol.NewError(cdpcontrol.CodeTabNotFound, "tab not found")
	}
	return url, nil
}

func (b *fakeBrowser) OpenStream(_ context.Context, handle string) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	s, ok := b.streams[handle]
	if !ok {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeStreamNotFound, handle)
	}
	return s, nil
}

func (b *fakeBrowser) stream(handle string) *audio.FakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[handle]
}

func (b *fakeBrowser) muteLog() []muteCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]muteCall(nil), b.mutes...)
}

type presetTable map[string]int

func (p presetTable) Match(url string) (int, bool) {
	for prefix, percent := range p {
		if strings.HasPrefix(url, prefix) {
			return percent, true
		}
	}
	return 0, false
}

type harness struct {
	browser  *fakeBrowser
	store    *store.Store
	metrics  *metrics.Metrics
	coord    *Coordinator
	creates  atomic.Int32
	failNext atomic.Bool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{browser: newFakeBrowser(), store: st, metrics: metrics.New()}
	factory := func(ctx context.Context) (relay.AudioEngine, error) {
		h.creates.Add(1)
		time.Sleep(10 * time.Millisecond)
		if h.failNext.CompareAndSwap(true, false) {
			return nil, errors.New("no audio device")
		}
		engine := gain.NewEngine(h.browser, audio.NewFakeOutput(), gain.WithMetrics(h.metrics))
		return relay.NewEngineEndpoint(engine), nil
	}
	opts = append([]Option{WithMetrics(h.metrics)}, opts...)
	h.coord = New(h.browser, st, factory, opts...)
	t.Cleanup(func() { _ = h.coord.Close(context.Background()) })
	return h
}

func (h *harness) session(t *testing.T, tabID int) (gain.SessionInfo, bool) {
	t.Helper()
	engine, ok := h.coord.Engine()
	if !ok {
		return gain.SessionInfo{}, false
	}
	for _, s := range engine.Sessions() {
		if s.TabID == tabID {
			return s, true
		}
	}
	return gain.SessionInfo{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentStartsCreateOneHost(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, tab := range []int{11, 12} {
		wg.Add(1)
		go func(i, tab int) {
			defer wg.Done()
			_, errs[i] = h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: tab})
		}(i, tab)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("StartCapture #%d error = %v", i, err)
		}
	}
	if got := h.creates.Load(); got != 1 {
		t.Fatalf("host creations = %d; want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.HostCreations); got != 1 {
		t.Fatalf("host_creations_total = %v; want 1", got)
	}
	if got := h.coord.Active(); len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Fatalf("Active() = %v; want [11 12]", got)
	}
}

func TestHostFailureResetsLatch(t *testing.T) {
	h := newHarness(t)
	h.failNext.Store(true)

	_, err := h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: 3})
	if !errors.Is(err, ErrHostUnavailable) {
		t.Fatalf("first StartCapture() error = %v; want ErrHostUnavailable", err)
	}
	if len(h.browser.muteLog()) != 0 {
		t.Fatal("tab muted although the host failed")
	}

	if _, err := h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: 3}); err != nil {
		t.Fatalf("second StartCapture() error = %v", err)
	}
	if got := h.creates.Load(); got != 2 {
		t.Fatalf("host creations = %d; want 2", got)
	}
}

func TestPermissionDeniedLeavesTabUntouched(t *testing.T) {
	h := newHarness(t)
	h.browser.captureErr[5] = cdpcontrol.NewError(cdpcontrol.CodePermissionDenied, "cross-origin media")

	_, err := h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: 5})
	if !cdpcontrol.IsPermissionDenied(err) {
		t.Fatalf("StartCapture() error = %v; want PERMISSION_DENIED", err)
	}
	if calls := h.browser.muteLog(); len(calls) != 0 {
		t.Fatalf("mute calls = %+v; want none", calls)
	}
	if got := h.store.GetAll(); len(got) != 0 {
		t.Fatalf("store = %v; want empty", got)
	}
	if h.coord.IsActive(5) {
		t.Fatal("tab marked active after a denied capture")
	}
	if got := testutil.ToFloat64(h.metrics.CaptureStarts.WithLabelValues("permission_denied")); got != 1 {
		t.Fatalf("capture_starts_total{permission_denied} = %v; want 1", got)
	}
}

func TestCaptureLifecycleForOneTab(t *testing.T) {
	h := newHarness(t)
	bridge := relay.NewBridge(h.store, h.coord)
	bridge.Start()
	defer bridge.Stop()

	resp, err := h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: 42})
	if err != nil {
		t.Fatalf("StartCapture() error = %v", err)
	}
	if resp.GainPercent != 100 {
		t.Fatalf("initial gain = %d; want 100", resp.GainPercent)
	}
	stored := h.store.Get("42", "capture_42")
	if stored["42"] != 100 || stored["capture_42"] != true {
		t.Fatalf("store = %v; want 42=100 capture_42=true", stored)
	}
	if calls := h.browser.muteLog(); len(calls) != 1 || calls[0] != (muteCall{42, true}) {
		t.Fatalf("mute calls = %+v; want [{42 true}]", calls)
	}

	if err := h.store.Set(map[string]any{"42": 300}); err != nil {
		t.Fatalf("store.Set() error = %v", err)
	}
	waitFor(t, "gain 300", func() bool {
		s, ok := h.session(t, 42)
		return ok && s.Multiplier == 3.0
	})

	s, _ := h.session(t, 42)
	h.coord.TabRemoved(42)

	if _, ok := h.session(t, 42); ok {
		t.Fatal("session still live after tab removal")
	}
	if !h.browser.stream(s.StreamHandle).AllStopped() {
		t.Fatal("stream tracks still running after tab removal")
	}
	if got := h.store.GetAll(); len(got) != 0 {
		t.Fatalf("store = %v; want empty after tab removal", got)
	}
	h.coord.TabRemoved(42)
}

func TestStopCaptureKeepsVolumeAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.coord.StartCapture(ctx, relay.StartCaptureRequest{TabID: 8}); err != nil {
		t.Fatalf("StartCapture() error = %v", err)
	}

	resp, err := h.coord.StopCapture(ctx, relay.StopCaptureRequest{TabID: 8})
	if err != nil || !resp.Stopped {
		t.Fatalf("StopCapture() = (%+v, %v); want stopped", resp, err)
	}
	calls := h.browser.muteLog()
	if last := calls[len(calls)-1]; last != (muteCall{8, false}) {
		t.Fatalf("last mute call = %+v; want unmute of 8", last)
	}
	all := h.store.GetAll()
	if _, ok := all["capture_8"]; ok {
		t.Fatal("capture flag still set after stop")
	}
	if all["8"] != 100 {
		t.Fatalf("volume = %v; want kept at 100", all["8"])
	}
	if _, err := h.coord.Session(8); !errors.Is(err, ErrNotCapturing) {
		t.Fatalf("Session() error = %v; want ErrNotCapturing", err)
	}

	again, err := h.coord.StopCapture(ctx, relay.StopCaptureRequest{TabID: 8})
	if err != nil || again.Stopped {
		t.Fatalf("second StopCapture() = (%+v, %v); want not stopped, nil", again, err)
	}
	if n := len(h.browser.muteLog()); n != len(calls) {
		t.Fatalf("second stop touched mute state (%d calls, was %d)", n, len(calls))
	}
}

func TestMuteOnGoneTabIsTolerated(t *testing.T) {
	h := newHarness(t)
	h.browser.muteErr[4] = cdpcontrol.NewError(cdpcontrol.CodeTabNotFound, "tab closed")

	if _, err := h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: 4}); err != nil {
		t.Fatalf("StartCapture() error = %v; want nil", err)
	}
	if _, err := h.coord.StopCapture(context.Background(), relay.StopCaptureRequest{TabID: 4}); err != nil {
		t.Fatalf("StopCapture() error = %v; want nil", err)
	}
}

func TestEngineFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.browser.openErr = errors.New("stream vanished")

	_, err := h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: 6})
	if err == nil {
		t.Fatal("StartCapture() error = nil; want engine error")
	}
	calls := h.browser.muteLog()
	if len(calls) != 2 || calls[1] != (muteCall{6, false}) {
		t.Fatalf("mute calls = %+v; want mute then unmute", calls)
	}
	if _, ok := h.store.GetAll()["capture_6"]; ok {
		t.Fatal("capture flag left behind after rollback")
	}
	if len(h.browser.discarded) != 1 {
		t.Fatalf("discarded streams = %v; want 1", h.browser.discarded)
	}
	if h.coord.IsActive(6) {
		t.Fatal("tab active after rollback")
	}
}

func TestInitialPercentSources(t *testing.T) {
	h := newHarness(t, WithPresets(presetTable{"https://radio.example.com": 400}))
	h.browser.urls[9] = "https://radio.example.com/live"
	h.browser.urls[10] = "https://other.example.com/"
	_ = h.store.Set(map[string]any{"8": "250"})

	tests := []struct {
		tab  int
		want int
	}{
		{8, 250},
		{9, 400},
		{10, 100},
	}
	for _, tt := range tests {
		resp, err := h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: tt.tab})
		if err != nil {
			t.Fatalf("StartCapture(%d) error = %v", tt.tab, err)
		}
		if resp.GainPercent != tt.want {
			t.Fatalf("tab %d initial gain = %d; want %d", tt.tab, resp.GainPercent, tt.want)
		}
	}
	if got := h.store.Get("8")["8"]; got != "250" {
		t.Fatalf("stored volume for 8 = %v; want untouched \"250\"", got)
	}
	if got := h.store.Get("9")["9"]; got != 400 {
		t.Fatalf("stored volume for 9 = %v; want 400", got)
	}
}

func TestRestartReplacesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.coord.StartCapture(ctx, relay.StartCaptureRequest{TabID: 2})
	firstSession, _ := h.session(t, 2)
	second, err := h.coord.StartCapture(ctx, relay.StartCaptureRequest{TabID: 2})
	if err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("restart kept the old session")
	}
	if !h.browser.stream(firstSession.StreamHandle).AllStopped() {
		t.Fatal("old stream still running after restart")
	}
	engine, _ := h.coord.Engine()
	if n := len(engine.Sessions()); n != 1 {
		t.Fatalf("sessions = %d; want 1", n)
	}
}

func TestReconcileClearsStaleFlags(t *testing.T) {
	h := newHarness(t)
	_ = h.store.Set(map[string]any{"capture_3": true, "3": 200, "capture_x": true})

	if got := h.coord.Reconcile(context.Background()); got != 1 {
		t.Fatalf("Reconcile() = %d; want 1", got)
	}
	all := h.store.GetAll()
	if _, ok := all["capture_3"]; ok {
		t.Fatal("stale capture flag not cleared")
	}
	if all["3"] != 200 || all["capture_x"] != true {
		t.Fatalf("store = %v; want volume and unknown key kept", all)
	}
	if calls := h.browser.muteLog(); len(calls) != 1 || calls[0] != (muteCall{3, false}) {
		t.Fatalf("mute calls = %+v; want unmute of 3", calls)
	}
}

func TestStartRejectsInvalidTab(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.StartCapture(context.Background(), relay.StartCaptureRequest{TabID: 0})
	if !cdpcontrol.IsCode(err, cdpcontrol.CodeValidation) {
		t.Fatalf("StartCapture(0) error = %v; want VALIDATION", err)
	}
	if h.creates.Load() != 0 {
		t.Fatal("host created for an invalid request")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, tab := range []int{1, 2} {
		if _, err := h.coord.StartCapture(ctx, relay.StartCaptureRequest{TabID: tab}); err != nil {
			t.Fatalf("StartCapture(%d) error = %v", tab, err)
		}
	}
	if err := h.coord.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(h.coord.Active()) != 0 {
		t.Fatalf("Active() = %v; want none", h.coord.Active())
	}
	if _, ok := h.coord.Engine(); ok {
		t.Fatal("host still present after Close")
	}
	unmuted := map[int]bool{}
	for _, c := range h.browser.muteLog() {
		if !c.muted {
			unmuted[c.tabID] = true
		}
	}
	if !unmuted[1] || !unmuted[2] {
		t.Fatalf("unmuted = %v; want both tabs", unmuted)
	}
}
