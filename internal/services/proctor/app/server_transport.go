package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/proctorvision/internal/platform/timeouts"
	"github.com/louisbranch/proctorvision/internal/services/proctor/registry"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage"
	"go.uber.org/zap"
)

const (
	maxInboundFrameBytes = 64 * 1024
	reasonUnknownID      = "unknown participant"
)

// wsTransport adapts a gorilla connection to registry.Transport. The
// registry serializes writes per connection.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeouts.SocketWrite)); err != nil {
		return err
	}
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) WriteBinary(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeouts.SocketWrite)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeouts.SocketWrite))
	return t.conn.Close()
}

type heartbeatFrame struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	participant := strings.TrimSpace(r.PathValue("participant"))
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	socket.SetReadLimit(maxInboundFrameBytes)
	h.track(socket)
	defer h.untrack(socket)

	account, err := h.resolveAccount(r.Context(), participant)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("resolve participant", zap.String("participant", participant), zap.Error(err))
		}
		h.logger.Info("handshake rejected", zap.String("participant", participant), zap.String("remote", r.RemoteAddr))
		msg := websocket.FormatCloseMessage(registry.CloseUnknownID, reasonUnknownID)
		_ = socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeouts.SocketWrite))
		_ = socket.Close()
		return
	}

	conn, err := h.services.Registry.Connect(r.Context(), participant, account, &wsTransport{conn: socket})
	if err != nil {
		h.logger.Warn("register connection", zap.String("participant", participant), zap.Error(err))
		_ = socket.Close()
		return
	}
	h.receiveLoop(conn, socket)
}

func (h *handler) resolveAccount(ctx context.Context, participant string) (int64, error) {
	if participant == "" || h.accounts == nil {
		return 0, storage.ErrNotFound
	}
	return h.accounts.ResolveAccount(ctx, participant)
}

// receiveLoop processes one connection's frames strictly in arrival order.
// A silent connection gets a heartbeat; a failed heartbeat or read
// ends the loop and releases the connection.
func (h *handler) receiveLoop(conn *registry.Connection, socket *websocket.Conn) {
	defer h.services.Registry.Release(conn)

	participant := conn.Participant()
	logger := h.logger.With(zap.String("participant", participant))
	frames := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		for {
			kind, data, err := socket.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			case <-conn.Context().Done():
				return
			}
		}
	}()

	timer := time.NewTimer(h.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-conn.Context().Done():
			return
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Info("connection read failed", zap.Error(err))
			}
			return
		case data := <-frames:
			h.dispatch(conn, data)
			resetTimer(timer, h.heartbeat)
		case <-timer.C:
			beat := heartbeatFrame{Type: "heartbeat", Timestamp: unixSeconds(h.now())}
			if err := h.services.Registry.Send(participant, beat); err != nil {
				logger.Info("heartbeat failed", zap.Error(err))
				return
			}
			timer.Reset(h.heartbeat)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
