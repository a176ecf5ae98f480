package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabgain/internal/audio"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

func jsonResponse(t *testing.T, v any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() = %v", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(string(payload))),
	}
}

func notFound() *http.Response {
	return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(``))}
}

func newTestClient() *Client {
	c := NewClient("http://example.com", time.Second, audio.DefaultFormat)
	c.cdp = newRawCDP("http://example.com")
	return c
}

func TestSyncTabsLockedWrapsListTargetsError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/json/list" {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader(`oops`)),
			}, nil
		}
		return notFound(), nil
	}))

	c := newTestClient()
	err := c.syncTabsLocked(context.Background())
	if err == nil {
		t.Fatal("expected syncTabsLocked() to fail")
	}

	var codedErr *CodedError
	if !errors.As(err, &codedErr) {
		t.Fatalf("expected *CodedError, got %T", err)
	}
	if codedErr.Code != CodeCDPUnavailable {
		t.Fatalf("error code = %s; want %s", codedErr.Code, CodeCDPUnavailable)
	}
	if !strings.Contains(codedErr.Message, "failed to list targets") {
		t.Fatalf("error message = %q; want to contain %q", codedErr.Message, "failed to list targets")
	}
}

func TestSyncTabsSkipsInternalPagesAndNonPages(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/json/list" {
			return notFound(), nil
		}
		return jsonResponse(t, []map[string]any{
			{"id": "page-1", "type": "page", "url": "https://music.example.com/", "title": "Music", "faviconUrl": "https://music.example.com/icon.png"},
			{"id": "page-2", "type": "page", "url": "chrome://settings/", "title": "Settings"},
			{"id": "page-3", "type": "page", "url": "chrome-extension://abc/popup.html", "title": "Popup"},
			{"id": "worker-1", "type": "service_worker", "url": "https://music.example.com/sw.js"},
			{"id": "page-4", "type": "page", "url": "https://video.example.com/watch", "title": "Video"},
		}), nil
	}))

	c := newTestClient()
	tabs, err := c.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("ListTabs() = %+v; want 2 tabs", tabs)
	}
	byTarget := map[string]TabInfo{}
	for _, tab := range tabs {
		byTarget[tab.TargetID] = tab
	}
	music, ok := byTarget["page-1"]
	if !ok || music.FavIconURL != "https://music.example.com/icon.png" || music.Title != "Music" {
		t.Fatalf("music tab = %+v; want title and favicon", music)
	}
	if want := c.registry.ID("page-1"); music.TabID != want {
		t.Fatalf("music.TabID = %d; want %d", music.TabID, want)
	}
	if tabs[0].TabID > tabs[1].TabID {
		t.Fatalf("tabs not sorted by id: %+v", tabs)
	}

	got, err := c.TabURL(context.Background(), music.TabID)
	if err != nil || got != "https://music.example.com/" {
		t.Fatalf("TabURL() = (%q, %v); want music url", got, err)
	}
}

func TestTabUnknownIsTabGone(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/json/list" {
			return notFound(), nil
		}
		return jsonResponse(t, []map[string]any{}), nil
	}))

	c := newTestClient()
	_, err := c.Tab(context.Background(), 12345)
	if !IsTabGone(err) {
		t.Fatalf("Tab() error = %v; want TAB_NOT_FOUND", err)
	}
}

func TestEvalOnLostConnectionReportsCDPUnavailable(t *testing.T) {
	targetID := target.ID("target-1")
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return notFound(), nil
	}))

	c := newTestClient()
	tabID := c.registry.ID(targetID)
	c.tabs[targetID] = &tabSession{
		sessionID: "session-1",
		info:      TabInfo{TabID: tabID, TargetID: string(targetID), URL: "https://example.com/"},
	}

	err := c.SetTabMuted(context.Background(), tabID, true)
	if !IsCode(err, CodeCDPUnavailable) {
		t.Fatalf("SetTabMuted() error = %v; want %s", err, CodeCDPUnavailable)
	}
}

func TestEvalRejectsInvalidTabID(t *testing.T) {
	c := newTestClient()
	if err := c.SetTabMuted(context.Background(), 0, true); !IsCode(err, CodeValidation) {
		t.Fatalf("SetTabMuted(0) error = %v; want %s", err, CodeValidation)
	}
}
