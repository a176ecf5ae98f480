package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabgain/internal/audio"
	"github.com/google/uuid"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"session with given id not found",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
}

// internalURLPrefixes are pages that are never listed or captured.
var internalURLPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-untrusted://",
	"devtools://",
	"edge://",
	"about:",
}

const bindingPrefix = "__tabgainPCM_"

type tabSession struct {
	info      TabInfo
	mu        sync.Mutex
	sessionID string // CDP session ID from Target.attachToTarget
}

type Client struct {
	cdpURL      string
	evalTimeout time.Duration
	format      audio.Format
	registry    *TabRegistry

	mu   sync.Mutex
	cdp  *rawCDP
	tabs map[target.ID]*tabSession

	tabLocksMu sync.Mutex
	tabLocks   map[int]*sync.Mutex

	streamsMu sync.Mutex
	streams   map[string]*bindingStream // handle -> stream
	bindings  map[string]*bindingStream // binding name -> stream

	removedMu      sync.RWMutex
	removedSeq     int
	removeHandlers map[int]func(tabID int)
}

func NewClient(cdpURL string, evalTimeout time.Duration, format audio.Format) *Client {
	return &Client{
		cdpURL:         cdpURL,
		evalTimeout:    evalTimeout,
		format:         format,
		registry:       NewTabRegistry(),
		tabs:           make(map[target.ID]*tabSession),
		tabLocks:       make(map[int]*sync.Mutex),
		streams:        make(map[string]*bindingStream),
		bindings:       make(map[string]*bindingStream),
		removeHandlers: make(map[int]func(int)),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	cdp := newRawCDP(c.cdpURL)
	cdp.registerEventHandler("Target.targetDestroyed", c.onTargetDestroyed)
	cdp.registerEventHandler("Runtime.bindingCalled", c.onBindingCalled)
	if err := cdp.connect(ctx); err != nil {
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.cdp = cdp

	if err := cdp.setDiscoverTargets(ctx); err != nil {
		slog.Warn("cdpcontrol target discovery unavailable, tab close events disabled", "error", err)
	}

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs))
	return nil
}

// Connected reports whether a browser connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cdp != nil
}

func (c *Client) Close() error {
	c.streamsMu.Lock()
	streams := make([]*bindingStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[string]*bindingStream)
	c.bindings = make(map[string]*bindingStream)
	c.streamsMu.Unlock()
	for _, s := range streams {
		s.abort()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for targetID, session := range c.tabs {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "target_id", targetID, "session_id", session.sessionID, "error", err)
				}
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
}

// ListTabs returns every capturable page tab ordered by tab ID.
func (c *Client) ListTabs(ctx context.Context) ([]TabInfo, error) {
	if err := c.refreshTabs(ctx); err != nil {
		slog.Warn("cdpcontrol list tabs failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	tabs := make([]TabInfo, 0, len(c.tabs))
	for _, s := range c.tabs {
		if s != nil {
			tabs = append(tabs, s.info)
		}
	}
	c.mu.Unlock()

	sort.Slice(tabs, func(i, j int) bool {
		return tabs[i].TabID < tabs[j].TabID
	})
	slog.Debug("cdpcontrol list tabs", "count", len(tabs))
	return tabs, nil
}

// Tab returns one tab, refreshing the target list if it is not yet known.
func (c *Client) Tab(ctx context.Context, tabID int) (TabInfo, error) {
	_, info, err := c.resolveTabSession(ctx, tabID)
	return info, err
}

// TabURL returns the tab's current URL.
func (c *Client) TabURL(ctx context.Context, tabID int) (string, error) {
	info, err := c.Tab(ctx, tabID)
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// SetTabMuted toggles the tab's own audio output.
func (c *Client) SetTabMuted(ctx context.Context, tabID int, muted bool) error {
	var out struct {
		Muted    bool `json:"muted"`
		Elements int  `json:"elements"`
	}
	if err := c.evalOnTab(ctx, tabID, jsSetMuted(muted), &out); err != nil {
		return err
	}
	slog.Debug("cdpcontrol tab muted", "tab_id", tabID, "muted", out.Muted, "elements", out.Elements)
	return nil
}

// CaptureStreamID starts capturing the tab's audio and returns the handle
// OpenStream takes. Capture begins immediately; audio that arrives before
// the stream is opened is discarded.
func (c *Client) CaptureStreamID(ctx context.Context, tabID int) (string, error) {
	handle := "tg-" + uuid.NewString()
	binding := bindingPrefix + strings.ReplaceAll(handle, "-", "_")

	lock := c.tabLock(tabID)
	lock.Lock()
	session, info, sessionID, err := c.prepareBinding(ctx, tabID, binding)
	lock.Unlock()
	if err != nil {
		return "", err
	}

	stream := newBindingStream(handle, tabID, info.TargetID, binding, c.format, func() {
		c.releaseCapture(tabID, handle, binding, session)
	})
	c.streamsMu.Lock()
	c.streams[handle] = stream
	c.bindings[binding] = stream
	c.streamsMu.Unlock()

	var out struct {
		Handle  string `json:"handle"`
		Sources int    `json:"sources"`
	}
	if err := c.evalOnTab(ctx, tabID, jsStartCapture(handle, binding, c.format), &out); err != nil {
		c.forgetStream(handle)
		stream.abort()
		c.removeBindingQuietly(sessionID, binding)
		slog.Warn("cdpcontrol capture start failed", "tab_id", tabID, "error", err)
		return "", err
	}
	slog.Info("cdpcontrol capture started", "tab_id", tabID, "stream_handle", handle, "sources", out.Sources)
	return handle, nil
}

// OpenStream hands out the stream behind handle. Each handle opens once.
func (c *Client) OpenStream(_ context.Context, handle string) (audio.Stream, error) {
	c.streamsMu.Lock()
	s, ok := c.streams[handle]
	c.streamsMu.Unlock()
	if !ok || s.isStopped() {
		return nil, newError(CodeStreamNotFound, "unknown stream handle: "+handle, nil)
	}
	if !s.opened.CompareAndSwap(false, true) {
		return nil, newError(CodeStreamNotFound, "stream handle already consumed: "+handle, nil)
	}
	return s, nil
}

// DiscardStream releases a capture whose stream was never opened. Opened
// streams belong to their consumer and are left alone.
func (c *Client) DiscardStream(handle string) {
	c.streamsMu.Lock()
	s, ok := c.streams[handle]
	c.streamsMu.Unlock()
	if !ok || s.opened.Load() {
		return
	}
	s.stop()
}

// OnTabRemoved registers fn to run, on its own goroutine, whenever a known
// tab closes. Returns an unregister function.
func (c *Client) OnTabRemoved(fn func(tabID int)) func() {
	c.removedMu.Lock()
	id := c.removedSeq
	c.removedSeq++
	c.removeHandlers[id] = fn
	c.removedMu.Unlock()
	return func() {
		c.removedMu.Lock()
		delete(c.removeHandlers, id)
		c.removedMu.Unlock()
	}
}

// onTargetDestroyed runs on the read loop; the real work happens elsewhere.
func (c *Client) onTargetDestroyed(_ string, params json.RawMessage) {
	var evt target.EventTargetDestroyed
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	go c.handleTargetDestroyed(evt.TargetID)
}

func (c *Client) handleTargetDestroyed(targetID target.ID) {
	c.mu.Lock()
	delete(c.tabs, targetID)
	c.mu.Unlock()

	tabID, ok := c.registry.Forget(targetID)
	if !ok {
		return
	}

	c.streamsMu.Lock()
	var gone []*bindingStream
	for handle, s := range c.streams {
		if s.targetID == string(targetID) {
			gone = append(gone, s)
			delete(c.streams, handle)
			delete(c.bindings, s.binding)
		}
	}
	c.streamsMu.Unlock()
	for _, s := range gone {
		s.abort()
	}

	c.tabLocksMu.Lock()
	delete(c.tabLocks, tabID)
	c.tabLocksMu.Unlock()

	slog.Info("cdpcontrol tab removed", "tab_id", tabID, "target_id", targetID, "streams", len(gone))

	c.removedMu.RLock()
	handlers := make([]func(int), 0, len(c.removeHandlers))
	for _, fn := range c.removeHandlers {
		handlers = append(handlers, fn)
	}
	c.removedMu.RUnlock()
	for _, fn := range handlers {
		fn(tabID)
	}
}

// onBindingCalled runs on the read loop and must not block.
func (c *Client) onBindingCalled(_ string, params json.RawMessage) {
	var evt runtime.EventBindingCalled
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	if !strings.HasPrefix(evt.Name, bindingPrefix) {
		return
	}
	c.streamsMu.Lock()
	s := c.bindings[evt.Name]
	c.streamsMu.Unlock()
	if s != nil {
		s.handlePayload(evt.Payload)
	}
}

// prepareBinding attaches to the tab, enables Runtime and installs binding.
func (c *Client) prepareBinding(ctx context.Context, tabID int, binding string) (*tabSession, TabInfo, string, error) {
	session, info, err := c.resolveTabSession(ctx, tabID)
	if err != nil {
		return nil, TabInfo{}, "", err
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return nil, TabInfo{}, "", newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	sessionID, err := c.ensureSession(ctx, cdp, session, info.TargetID)
	if err != nil {
		return nil, TabInfo{}, "", err
	}
	if err := cdp.enableRuntime(ctx, sessionID); err != nil {
		return nil, TabInfo{}, "", newError(CodeEvalFailure, "enable runtime failed", err)
	}
	if err := cdp.addBinding(ctx, sessionID, binding); err != nil {
		return nil, TabInfo{}, "", newError(CodeEvalFailure, "install capture binding failed", err)
	}
	return session, info, sessionID, nil
}

// releaseCapture runs when the engine stops a stream's track.
func (c *Client) releaseCapture(tabID int, handle, binding string, session *tabSession) {
	c.forgetStream(handle)

	ctx, cancel := context.WithTimeout(context.Background(), c.evalTimeout)
	defer cancel()
	if err := c.evalOnTab(ctx, tabID, jsStopCapture(handle), nil); err != nil && !IsTabGone(err) {
		slog.Warn("cdpcontrol capture stop failed", "tab_id", tabID, "stream_handle", handle, "error", err)
	}
	session.mu.Lock()
	sessionID := session.sessionID
	session.mu.Unlock()
	c.removeBindingQuietly(sessionID, binding)
	slog.Info("cdpcontrol capture stopped", "tab_id", tabID, "stream_handle", handle)
}

func (c *Client) forgetStream(handle string) {
	c.streamsMu.Lock()
	if s, ok := c.streams[handle]; ok {
		delete(c.bindings, s.binding)
		delete(c.streams, handle)
	}
	c.streamsMu.Unlock()
}

func (c *Client) removeBindingQuietly(sessionID, binding string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cdp.removeBinding(ctx, sessionID, binding); err != nil {
		slog.Debug("cdpcontrol remove binding failed", "binding", binding, "error", err)
	}
}

func (c *Client) evalOnTab(ctx context.Context, tabID int, js string, out any) error {
	if tabID <= 0 {
		return newError(CodeValidation, "tab id must be positive", nil)
	}

	lock := c.tabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	// First attempt.
	slog.Debug("cdpcontrol eval on tab", "tab_id", tabID)
	session, info, err := c.resolveTabSession(ctx, tabID)
	if err != nil {
		slog.Debug("cdpcontrol tab resolve failed", "tab_id", tabID, "error", err)
	} else {
		err = c.evalOnSession(ctx, session, info.TargetID, js, out)
	}
	if err == nil {
		return nil
	}
	if !c.shouldRetry(err) {
		return err
	}

	// Retry after recovery.
	slog.Warn("cdpcontrol eval retry after transient failure", "tab_id", tabID, "error", err)
	if IsCode(err, CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "tab_id", tabID, "error", recErr)
			return recErr
		}
	} else {
		if syncErr := c.refreshTabs(ctx); syncErr != nil {
			slog.Warn("cdpcontrol tab refresh failed during retry", "tab_id", tabID, "error", syncErr)
		}
	}

	session, info, err = c.resolveTabSession(ctx, tabID)
	if err != nil {
		return err
	}
	return c.evalOnSession(ctx, session, info.TargetID, js, out)
}

func (c *Client) evalOnSession(ctx context.Context, session *tabSession, targetID, js string, out any) error {
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	// Ensure we have a session attached to this target.
	sessionID, err := c.ensureSession(ctx, cdp, session, targetID)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "target_id", targetID, "error", err)
		// Reset session so a fresh attach happens on retry.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		if connectionLost(err) {
			return newError(CodeCDPUnavailable, "browser connection lost", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}

	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, targetID string) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}

	sid, err := cdp.attachToTarget(ctx, targetID)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no target with given id") {
			return "", newError(CodeTabNotFound, "tab closed", err)
		}
		return "", newError(CodeCDPUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("cdpcontrol session attached", "target_id", targetID, "session_id", sid)
	return sid, nil
}

func (c *Client) resolveTabSession(ctx context.Context, tabID int) (*tabSession, TabInfo, error) {
	session, info, found := c.lookupTabSession(tabID)
	if found {
		return session, info, nil
	}

	if err := c.refreshTabs(ctx); err != nil {
		return nil, TabInfo{}, err
	}

	session, info, found = c.lookupTabSession(tabID)
	if found {
		return session, info, nil
	}

	return nil, TabInfo{}, newError(CodeTabNotFound, "tab not found", nil)
}

func (c *Client) lookupTabSession(tabID int) (*tabSession, TabInfo, bool) {
	targetID, ok := c.registry.Target(tabID)
	if !ok {
		return nil, TabInfo{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	session := c.tabs[targetID]
	if session == nil {
		return nil, TabInfo{}, false
	}
	return session, session.info, true
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncTabsLocked(ctx)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	expected := make(map[target.ID]TabInfo)
	for _, t := range targets {
		if t.Type != "page" || !Capturable(t.URL) {
			continue
		}
		expected[t.TargetID] = TabInfo{
			TabID:      c.registry.ID(t.TargetID),
			TargetID:   string(t.TargetID),
			Title:      t.Title,
			URL:        t.URL,
			FavIconURL: t.FavIconURL,
		}
	}

	for targetID := range c.tabs {
		if _, ok := expected[targetID]; ok {
			continue
		}
		delete(c.tabs, targetID)
	}

	for targetID, info := range expected {
		session := c.tabs[targetID]
		if session != nil {
			session.info = info
			continue
		}
		c.tabs[targetID] = &tabSession{info: info}
	}

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "tabs", len(c.tabs))
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) tabLock(tabID int) *sync.Mutex {
	c.tabLocksMu.Lock()
	defer c.tabLocksMu.Unlock()
	m, ok := c.tabLocks[tabID]
	if !ok {
		m = &sync.Mutex{}
		c.tabLocks[tabID] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func connectionLost(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "rawcdp: not connected") ||
		strings.Contains(msg, "rawcdp: connection closed") ||
		strings.Contains(msg, "rawcdp: send:")
}

// Capturable reports whether a tab URL may be listed and captured.
func Capturable(url string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	if u == "" {
		return false
	}
	for _, p := range internalURLPrefixes {
		if strings.HasPrefix(u, p) {
			return false
		}
	}
	return true
}
