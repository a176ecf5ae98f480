package cdpcontrol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabgain/internal/audio"
)

func TestBindingStreamDeliversDecodedPCM(t *testing.T) {
	var released atomic.Int32
	s := newBindingStream("h", 1, "t", "b", audio.DefaultFormat, func() { released.Add(1) })

	got := make(chan uint32, 1)
	s.SetCallback(func(data []byte, frames uint32) { got <- frames })
	s.handlePayload(base64.StdEncoding.EncodeToString(make([]byte, 16)))

	select {
	case frames := <-got:
		if frames != 4 {
			t.Fatalf("frames = %d; want 4", frames)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PCM")
	}

	s.Tracks()[0].Stop()
	s.Tracks()[0].Stop()
	if n := released.Load(); n != 1 {
		t.Fatalf("release ran %d times; want 1", n)
	}
	if !s.Tracks()[0].Stopped() {
		t.Fatal("track not stopped")
	}
	s.handlePayload(base64.StdEncoding.EncodeToString(make([]byte, 16)))
}

func TestBindingStreamAbortSkipsRelease(t *testing.T) {
	var released atomic.Int32
	s := newBindingStream("h", 1, "t", "b", audio.DefaultFormat, func() { released.Add(1) })
	if !s.abort() {
		t.Fatal("abort() = false; want true")
	}
	s.Tracks()[0].Stop()
	if n := released.Load(); n != 0 {
		t.Fatalf("release ran %d times after abort; want 0", n)
	}
}

func TestOpenStreamOnlyOnce(t *testing.T) {
	c := newTestClient()
	s := newBindingStream("h", 1, "t", "b", audio.DefaultFormat, nil)
	defer s.abort()
	c.streams["h"] = s
	c.bindings["b"] = s

	if _, err := c.OpenStream(context.Background(), "h"); err != nil {
		t.Fatalf("first OpenStream() error = %v", err)
	}
	if _, err := c.OpenStream(context.Background(), "h"); !IsCode(err, CodeStreamNotFound) {
		t.Fatalf("second OpenStream() error = %v; want %s", err, CodeStreamNotFound)
	}
	if _, err := c.OpenStream(context.Background(), "missing"); !IsCode(err, CodeStreamNotFound) {
		t.Fatalf("OpenStream(missing) error = %v; want %s", err, CodeStreamNotFound)
	}
}

func TestBindingCalledRoutesByName(t *testing.T) {
	c := newTestClient()
	name := bindingPrefix + "x"
	s := newBindingStream("h", 1, "t", name, audio.DefaultFormat, nil)
	defer s.abort()
	c.streams["h"] = s
	c.bindings[name] = s

	got := make(chan struct{}, 1)
	s.SetCallback(func([]byte, uint32) { got <- struct{}{} })

	params, _ := json.Marshal(map[string]any{
		"name":               name,
		"payload":            base64.StdEncoding.EncodeToString(make([]byte, 8)),
		"executionContextId": 1,
	})
	c.onBindingCalled("session-1", params)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("binding payload never reached the stream")
	}
}

func TestTargetDestroyedNotifiesAndAbortsStreams(t *testing.T) {
	c := newTestClient()
	targetID := target.ID("target-9")
	tabID := c.registry.ID(targetID)
	c.tabs[targetID] = &tabSession{info: TabInfo{TabID: tabID, TargetID: string(targetID)}}

	var released atomic.Int32
	s := newBindingStream("h", tabID, string(targetID), "b", audio.DefaultFormat, func() { released.Add(1) })
	c.streams["h"] = s
	c.bindings["b"] = s

	removed := make(chan int, 1)
	unregister := c.OnTabRemoved(func(id int) { removed <- id })
	defer unregister()

	params, _ := json.Marshal(map[string]any{"targetId": string(targetID)})
	c.onTargetDestroyed("", params)

	select {
	case id := <-removed:
		if id != tabID {
			t.Fatalf("removed tab = %d; want %d", id, tabID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnTabRemoved handler never ran")
	}
	if !s.isStopped() || released.Load() != 0 {
		t.Fatalf("stream stopped=%v released=%d; want aborted without release", s.isStopped(), released.Load())
	}
	if _, ok := c.registry.Lookup(targetID); ok {
		t.Fatal("registry still maps the destroyed target")
	}
}

func TestDiscardStreamLeavesOpenedStreams(t *testing.T) {
	c := newTestClient()
	var released atomic.Int32
	opened := newBindingStream("a", 1, "t", "ba", audio.DefaultFormat, func() { released.Add(1) })
	unopened := newBindingStream("b", 1, "t", "bb", audio.DefaultFormat, func() { released.Add(10) })
	defer opened.abort()
	c.streams["a"], c.bindings["ba"] = opened, opened
	c.streams["b"], c.bindings["bb"] = unopened, unopened

	if _, err := c.OpenStream(context.Background(), "a"); err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	c.DiscardStream("a")
	c.DiscardStream("b")
	c.DiscardStream("missing")

	if opened.isStopped() {
		t.Fatal("DiscardStream stopped an opened stream")
	}
	if !unopened.isStopped() || released.Load() != 10 {
		t.Fatalf("unopened stopped=%v released=%d; want stopped with release", unopened.isStopped(), released.Load())
	}
}
