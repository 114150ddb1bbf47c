package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/GoCodeAlone/relay/protocol"
)

const defaultWriteTimeout = 10 * time.Second

// Dispatcher serves the client requests that touch business state.
type Dispatcher interface {
	// Chat submits a request. bind is called with the resolved session ID
	// before the task is submitted so the connection sees every event.
	Chat(ctx context.Context, req protocol.Chat, bind func(sessionID string)) protocol.Ack
	// Cancel cancels a task. It always returns an acknowledgement.
	Cancel(ctx context.Context, taskID string) protocol.Ack
}

// Handler upgrades HTTP requests to WebSocket connections served by the hub.
type Handler struct {
	Hub          *Hub
	Dispatch     Dispatcher
	WriteTimeout time.Duration
	// OriginPatterns lists the cross-origin hosts browsers may connect from,
	// e.g. "app.example.com" or "*.example.com". Same-origin requests and
	// clients that send no Origin header are always accepted.
	OriginPatterns []string
	Logger         *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	h.Serve(r.Context(), conn)
}

// Serve runs one connection until the client leaves or the hub drops it.
func (h *Handler) Serve(ctx context.Context, conn *websocket.Conn) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := h.Hub.Connect()
	defer h.Hub.Disconnect(c.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.writeLoop(ctx, cancel, conn, c, logger)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("websocket read", slog.String("conn_id", c.ID), slog.Any("err", err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		h.handleFrame(ctx, c.ID, data)
	}
}

// writeLoop drains the connection's buffer. A failed or slow write, or a
// drop by the hub, ends the connection.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *Conn, logger *slog.Logger) {
	defer cancel()
	timeout := h.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			if errors.Is(c.Err(), ErrConnectionOverflow) {
				_ = conn.Close(websocket.StatusPolicyViolation, "outbound buffer overflow")
			}
			return
		case data := <-c.Outbound():
			wctx, wcancel := context.WithTimeout(ctx, timeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				logger.Warn("websocket write", slog.String("conn_id", c.ID), slog.Any("err", err))
				h.Hub.Disconnect(c.ID)
				return
			}
		}
	}
}

// handleFrame serves one client message. Malformed input is answered with an
// error ack and the connection stays open.
func (h *Handler) handleFrame(ctx context.Context, connID string, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		_ = h.Hub.Send(connID, protocol.ErrorAck(msg.Type, err))
		return
	}
	switch msg.Type {
	case protocol.TypePing:
		_ = h.Hub.Ping(connID)
	case protocol.TypeSubscribeSession:
		_ = h.Hub.Subscribe(connID, msg.SessionID)
	case protocol.TypeChat:
		ack := h.Dispatch.Chat(ctx, msg.Chat(), func(sessionID string) {
			if cur, ok := h.Hub.SessionOf(connID); !ok || cur != sessionID {
				_ = h.Hub.Subscribe(connID, sessionID)
			}
		})
		_ = h.Hub.Send(connID, ack)
	case protocol.TypeCancel:
		_ = h.Hub.Send(connID, h.Dispatch.Cancel(ctx, msg.TaskID))
	}
}
