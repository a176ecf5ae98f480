package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabgain/internal/gain"
	"github.com/dgnsrekt/tabgain/internal/store"
)

const bridgeSendTimeout = 5 * time.Second

// ChangeFeed is a store change subscription.
type ChangeFeed interface {
	Subscribe(fn func([]store.Change)) (unsubscribe func())
}

// EngineSource returns the processing host if it has been created.
type EngineSource interface {
	Engine() (AudioEngine, bool)
}

// GainUpdates turns a change batch into the UPDATE_GAIN messages it implies.
// Only volume keys with a new value produce a message; capture flags,
// removals and unknown keys are skipped.
func GainUpdates(changes []store.Change) []UpdateGainRequest {
	var out []UpdateGainRequest
	for _, c := range changes {
		key, ok := store.ParseKey(c.Key)
		if !ok || key.Kind != store.KindVolume || c.NewValue == nil {
			continue
		}
		out = append(out, UpdateGainRequest{
			TabID:      key.TabID,
			NewPercent: gain.CoercePercent(c.NewValue),
		})
	}
	return out
}

// Bridge forwards stored volume changes to the live engine.
type Bridge struct {
	feed    ChangeFeed
	engines EngineSource

	mu    sync.Mutex
	unsub func()
}

func NewBridge(feed ChangeFeed, engines EngineSource) *Bridge {
	return &Bridge{feed: feed, engines: engines}
}

func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsub != nil {
		return
	}
	b.unsub = b.feed.Subscribe(b.onChanges)
	slog.Info("gain bridge started")
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
		slog.Info("gain bridge stopped")
	}
}

func (b *Bridge) onChanges(changes []store.Change) {
	updates := GainUpdates(changes)
	if len(updates) == 0 {
		return
	}
	engine, ok := b.engines.Engine()
	if !ok {
		slog.Debug("gain bridge skipped, no audio host", "updates", len(updates))
		return
	}
	for _, req := range updates {
		ctx, cancel := context.WithTimeout(context.Background(), bridgeSendTimeout)
		resp, err := engine.UpdateGain(ctx, req)
		cancel()
		if err != nil {
			slog.Warn("gain bridge update failed", "tab_id", req.TabID, "percent", req.NewPercent, "error", err)
			continue
		}
		slog.Debug("gain bridge update sent", "tab_id", req.TabID, "percent", req.NewPercent, "applied", resp.Applied)
	}
}

// ChangeEvent is the payload published for a store change.
type ChangeEvent struct {
	Type    Kind `json:"type"`
	TabID   int  `json:"tabId"`
	Percent *int `json:"percent,omitempty"`
	Active  bool `json:"active"`
}

// ChangeEvents maps a change batch onto control-surface events. Volume
// removals are reported as the default percent.
func ChangeEvents(changes []store.Change) []ChangeEvent {
	var out []ChangeEvent
	for _, c := range changes {
		key, ok := store.ParseKey(c.Key)
		if !ok {
			continue
		}
		switch key.Kind {
		case store.KindVolume:
			p := gain.DefaultPercent
			if c.NewValue != nil {
				p = gain.CoercePercent(c.NewValue)
			}
			out = append(out, ChangeEvent{Type: KindVolumeChanged, TabID: key.TabID, Percent: &p})
		case store.KindCaptureFlag:
			active, _ := c.NewValue.(bool)
			out = append(out, ChangeEvent{Type: KindCaptureChanged, TabID: key.TabID, Active: active})
		}
	}
	return out
}

// PublishChanges returns a store subscriber that publishes every change on
// broker as a "volume" or "capture" feed event.
func PublishChanges(broker *Broker) func([]store.Change) {
	return func(changes []store.Change) {
		for _, evt := range ChangeEvents(changes) {
			payload, err := json.Marshal(evt)
			if err != nil {
				slog.Debug("change event encode failed", "tab_id", evt.TabID, "error", err)
				continue
			}
			broker.Publish(Event{Feed: evt.Feed(), Payload: string(payload)})
		}
	}
}

// Feed is the SSE feed name for the event.
func (e ChangeEvent) Feed() string {
	if e.Type == KindCaptureChanged {
		return FeedCapture
	}
	return FeedVolume
}

const (
	FeedVolume  = "volume"
	FeedCapture = "capture"
)
