package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tabgain/internal/cdpcontrol"
	"github.com/dgnsrekt/tabgain/internal/controller"
	"github.com/dgnsrekt/tabgain/internal/coordinator"
	"github.com/dgnsrekt/tabgain/internal/gain"
	"github.com/dgnsrekt/tabgain/internal/relay"
)

type Service interface {
	ListTabs(ctx context.Context) ([]controller.TabState, error)
	StartCapture(ctx context.Context, req relay.StartCaptureRequest) (relay.StartCaptureResponse, error)
	StopCapture(ctx context.Context, req relay.StopCaptureRequest) (relay.StopCaptureResponse, error)
	GetCapture(tabID int) (controller.CaptureState, error)
	GetVolume(ctx context.Context, tabID int) (relay.SetVolumeResponse, error)
	SetVolume(ctx context.Context, req relay.SetVolumeRequest) (relay.SetVolumeResponse, error)
	ListSessions() []gain.SessionInfo
	Health() controller.Health
}

type tabIDInput struct {
	TabID int `path:"tab_id" doc:"Tab ID from /api/v1/tabs"`
}

type captureOutput struct {
	Body relay.StartCaptureResponse
}

type stopCaptureOutput struct {
	Body relay.StopCaptureResponse
}

type captureStateOutput struct {
	Body controller.CaptureState
}

type volumeOutput struct {
	Body relay.SetVolumeResponse
}

type setVolumeInput struct {
	TabID int `path:"tab_id"`
	Body  struct {
		Percent any `json:"percent" doc:"Gain percent; coerced to an integer in 0..500, non-numbers become 100"`
	}
}

// NewServer builds the HTTP control surface. broker feeds the SSE stream and
// the control socket; metrics is served on /metrics when non-nil.
func NewServer(svc Service, broker *relay.Broker, metrics http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabgain Control API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("events docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(broker))
		router.Get("/api/v1/ws", relay.ControlSocketHandler(svc, broker))
	}
	if metrics != nil {
		router.Handle("/metrics", metrics)
	}

	registerTabHandlers(api, svc)
	registerHealthHandlers(api, svc)

	return router
}

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body []controller.TabState
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List capturable tabs with volume and capture state", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body = tabs
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "start-capture", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/capture", Summary: "Start boosting a tab", Tags: []string{"Capture"}},
		func(ctx context.Context, input *tabIDInput) (*captureOutput, error) {
			resp, err := svc.StartCapture(ctx, relay.StartCaptureRequest{TabID: input.TabID})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &captureOutput{}
			out.Body = resp
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "stop-capture", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}/capture", Summary: "Stop boosting a tab and restore its audio", Tags: []string{"Capture"}},
		func(ctx context.Context, input *tabIDInput) (*stopCaptureOutput, error) {
			resp, err := svc.StopCapture(ctx, relay.StopCaptureRequest{TabID: input.TabID})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &stopCaptureOutput{}
			out.Body = resp
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-capture", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/capture", Summary: "Get a tab's capture state", Tags: []string{"Capture"}},
		func(ctx context.Context, input *tabIDInput) (*captureStateOutput, error) {
			state, err := svc.GetCapture(input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &captureStateOutput{}
			out.Body = state
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-volume", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/volume", Summary: "Get a tab's stored volume", Tags: []string{"Volume"}},
		func(ctx context.Context, input *tabIDInput) (*volumeOutput, error) {
			resp, err := svc.GetVolume(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &volumeOutput{}
			out.Body = resp
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-volume", Method: http.MethodPut, Path: "/api/v1/tabs/{tab_id}/volume", Summary: "Set a tab's volume", Tags: []string{"Volume"}},
		func(ctx context.Context, input *setVolumeInput) (*volumeOutput, error) {
			resp, err := svc.SetVolume(ctx, relay.SetVolumeRequest{TabID: input.TabID, Percent: input.Body.Percent})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &volumeOutput{}
			out.Body = resp
			return out, nil
		})
}

func registerHealthHandlers(api huma.API, svc Service) {
	type sessionsOutput struct {
		Body []gain.SessionInfo
	}
	huma.Register(api, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/sessions", Summary: "List live gain sessions", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct{}) (*sessionsOutput, error) {
			out := &sessionsOutput{}
			out.Body = svc.ListSessions()
			return out, nil
		})

	type healthOutput struct {
		Body controller.Health
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body = svc.Health()
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, coordinator.ErrHostUnavailable):
		return huma.Error502BadGateway(err.Error())
	case errors.Is(err, coordinator.ErrNotCapturing):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTabNotFound, cdpcontrol.CodeStreamNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodePermissionDenied:
			return huma.Error403Forbidden(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
