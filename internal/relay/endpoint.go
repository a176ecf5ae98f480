package relay

import (
	"context"
	"fmt"

	"github.com/dgnsrekt/tabgain/internal/gain"
)

// AudioEngine is the processing host as seen by the coordinator and the
// bridge. Every call for a tab is applied in the order it was made.
type AudioEngine interface {
	StartAudio(ctx context.Context, req StartAudioRequest) (StartAudioResponse, error)
	StopAudio(ctx context.Context, req StopAudioRequest) (StopAudioResponse, error)
	UpdateGain(ctx context.Context, req UpdateGainRequest) (UpdateGainResponse, error)
	Sessions() []gain.SessionInfo
	Close() error
}

// GainEngine is the subset of *gain.Engine the endpoint drives.
type GainEngine interface {
	CreateSession(ctx context.Context, tabID int, handle string, initialPercent int) (gain.SessionInfo, error)
	UpdateGain(tabID, percent int) (gain.SessionInfo, bool)
	DestroySession(tabID int) bool
	Sessions() []gain.SessionInfo
	Close() error
}

// EngineEndpoint delivers control messages to a GainEngine through per-tab
// lanes, so a later UPDATE_GAIN never overtakes the START_AUDIO before it.
type EngineEndpoint struct {
	engine  GainEngine
	mailbox *Mailbox
}

func NewEngineEndpoint(engine GainEngine) *EngineEndpoint {
	return &EngineEndpoint{engine: engine, mailbox: NewMailbox("engine")}
}

func (e *EngineEndpoint) StartAudio(ctx context.Context, req StartAudioRequest) (StartAudioResponse, error) {
	var resp StartAudioResponse
	err := e.mailbox.Do(ctx, req.TabID, func(ctx context.Context) error {
		info, err := e.engine.CreateSession(ctx, req.TabID, req.StreamHandle, req.InitialGainPercent)
		if err != nil {
			return err
		}
		resp.Session = info
		return nil
	})
	if err != nil {
		return StartAudioResponse{}, fmt.Errorf("%s tab %d: %w", KindStartAudio, req.TabID, err)
	}
	return resp, nil
}

func (e *EngineEndpoint) StopAudio(ctx context.Context, req StopAudioRequest) (StopAudioResponse, error) {
	var resp StopAudioResponse
	err := e.mailbox.Do(ctx, req.TabID, func(context.Context) error {
		resp.Destroyed = e.engine.DestroySession(req.TabID)
		return nil
	})
	return resp, err
}

func (e *EngineEndpoint) UpdateGain(ctx context.Context, req UpdateGainRequest) (UpdateGainResponse, error) {
	var resp UpdateGainResponse
	err := e.mailbox.Do(ctx, req.TabID, func(context.Context) error {
		resp.Session, resp.Applied = e.engine.UpdateGain(req.TabID, req.NewPercent)
		return nil
	})
	return resp, err
}

func (e *EngineEndpoint) Sessions() []gain.SessionInfo { return e.engine.Sessions() }

func (e *EngineEndpoint) Close() error { return e.engine.Close() }
