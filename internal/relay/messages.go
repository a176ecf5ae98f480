package relay

import "github.com/dgnsrekt/tabgain/internal/gain"

// Kind names a control-channel message.
type Kind string

const (
	KindStartCapture Kind = "START_CAPTURE"
	KindStopCapture  Kind = "STOP_CAPTURE"
	KindStartAudio   Kind = "START_AUDIO"
	KindStopAudio    Kind = "STOP_AUDIO"
	KindUpdateGain   Kind = "UPDATE_GAIN"
	KindSetVolume    Kind = "SET_VOLUME"

	KindVolumeChanged  Kind = "VOLUME_CHANGED"
	KindCaptureChanged Kind = "CAPTURE_CHANGED"
)

// ResultKind is the reply kind for a request kind.
func ResultKind(k Kind) Kind { return k + "_RESULT" }

// StartCaptureRequest asks the coordinator to begin boosting a tab.
type StartCaptureRequest struct {
	TabID int `json:"tabId"`
}

type StartCaptureResponse struct {
	TabID       int    `json:"tabId"`
	SessionID   string `json:"sessionId"`
	GainPercent int    `json:"gainPercent"`
}

type StopCaptureRequest struct {
	TabID int `json:"tabId"`
}

type StopCaptureResponse struct {
	TabID   int  `json:"tabId"`
	Stopped bool `json:"stopped"`
}

// StartAudioRequest asks the engine to build a session for a captured stream.
type StartAudioRequest struct {
	TabID              int    `json:"tabId"`
	StreamHandle       string `json:"streamHandle"`
	InitialGainPercent int    `json:"initialGainPercent"`
}

type StartAudioResponse struct {
	Session gain.SessionInfo `json:"session"`
}

type StopAudioRequest struct {
	TabID int `json:"tabId"`
}

type StopAudioResponse struct {
	Destroyed bool `json:"destroyed"`
}

type UpdateGainRequest struct {
	TabID      int `json:"tabId"`
	NewPercent int `json:"newPercent"`
}

// UpdateGainResponse reports Applied=false when the tab had no session.
type UpdateGainResponse struct {
	Applied bool             `json:"applied"`
	Session gain.SessionInfo `json:"session"`
}

// SetVolumeRequest carries a raw percent from a control surface; it is
// coerced before it is stored.
type SetVolumeRequest struct {
	TabID   int `json:"tabId"`
	Percent any `json:"percent"`
}

type SetVolumeResponse struct {
	TabID   int `json:"tabId"`
	Percent int `json:"percent"`
}
