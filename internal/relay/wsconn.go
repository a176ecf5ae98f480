package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Controller executes control-socket requests.
type Controller interface {
	StartCapture(ctx context.Context, req StartCaptureRequest) (StartCaptureResponse, error)
	StopCapture(ctx context.Context, req StopCaptureRequest) (StopCaptureResponse, error)
	SetVolume(ctx context.Context, req SetVolumeRequest) (SetVolumeResponse, error)
}

// Envelope is a control-socket request.
type Envelope struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is sent for every request and for every pushed event.
type Reply struct {
	Type    Kind   `json:"type"`
	ID      string `json:"id,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ControlSocketHandler upgrades to a WebSocket speaking the JSON control
// protocol. Requests on one connection are handled in order; store changes
// are pushed as VOLUME_CHANGED and CAPTURE_CHANGED.
func ControlSocketHandler(ctrl Controller, broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("control socket upgrade failed", "error", err)
			return
		}
		c := &controlConn{conn: conn, ctrl: ctrl, feeds: ParseFeeds(r.URL.Query().Get("feeds"))}
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()

		var wg sync.WaitGroup
		if broker != nil {
			id, events := broker.Subscribe()
			defer broker.Unsubscribe(id)
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.pushEvents(ctx, events)
			}()
		}

		slog.Info("control socket connected", "remote", r.RemoteAddr)
		c.readLoop(ctx)
		cancel()
		_ = conn.Close()
		wg.Wait()
		slog.Info("control socket closed", "remote", r.RemoteAddr)
	}
}

type controlConn struct {
	conn  net.Conn
	ctrl  Controller
	feeds map[string]bool

	writeMu sync.Mutex
}

func (c *controlConn) readLoop(ctx context.Context) {
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("control socket read ended", "error", err)
			}
			return
		}
		if op != ws.OpText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.write(Reply{Type: "ERROR", Error: fmt.Sprintf("invalid envelope: %v", err)})
			continue
		}
		c.write(c.handle(ctx, env))
	}
}

func (c *controlConn) handle(ctx context.Context, env Envelope) Reply {
	reply := Reply{Type: ResultKind(env.Type), ID: env.ID}
	var (
		payload any
		err     error
	)
	switch env.Type {
	case KindStartCapture:
		var req StartCaptureRequest
		if err = decodePayload(env.Payload, &req); err == nil {
			payload, err = c.ctrl.StartCapture(ctx, req)
		}
	case KindStopCapture:
		var req StopCaptureRequest
		if err = decodePayload(env.Payload, &req); err == nil {
			payload, err = c.ctrl.StopCapture(ctx, req)
		}
	case KindSetVolume:
		var req SetVolumeRequest
		if err = decodePayload(env.Payload, &req); err == nil {
			payload, err = c.ctrl.SetVolume(ctx, req)
		}
	default:
		err = fmt.Errorf("unsupported message type %q", env.Type)
	}
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	reply.Payload = payload
	return reply
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (c *controlConn) pushEvents(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if c.feeds != nil && !c.feeds[evt.Feed] {
				continue
			}
			var ce ChangeEvent
			if err := json.Unmarshal([]byte(evt.Payload), &ce); err != nil {
				continue
			}
			c.write(Reply{Type: ce.Type, OK: true, Payload: ce})
		}
	}
}

func (c *controlConn) write(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Debug("control socket encode failed", "type", r.Type, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteServerText(c.conn, data); err != nil {
		slog.Debug("control socket write failed", "type", r.Type, "error", err)
	}
}
