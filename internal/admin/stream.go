package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/eleven-am/transcription-worker/internal/events"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamEvents upgrades to a websocket and forwards job events until the
// client goes away or the redis subscription ends.
func (h *Handler) StreamEvents(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	send := make(chan events.Event, sendBuffer)
	subErr := make(chan error, 1)
	go func() {
		subErr <- h.notifier.Subscribe(ctx, func(evt events.Event) {
			select {
			case send <- evt:
			default:
				h.logger.Warn("event stream buffer full, dropping event", "job_id", evt.JobID)
			}
		})
	}()

	go h.readPump(ws, cancel)

	h.logger.Info("event stream connected", "remote", c.RealIP())
	h.writePump(ctx, ws, send, subErr)
	h.logger.Info("event stream disconnected", "remote", c.RealIP())
	return nil
}

// readPump only services control frames; client payloads are discarded.
func (h *Handler) readPump(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("event stream read error", "error", err)
			}
			return
		}
	}
}

func (h *Handler) writePump(ctx context.Context, ws *websocket.Conn, send <-chan events.Event, subErr <-chan error) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case err := <-subErr:
			if err != nil {
				h.logger.Error("event subscription failed", "error", err)
			}
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event source unavailable"),
				time.Now().Add(writeWait))
			return

		case evt := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(evt); err != nil {
				h.logger.Debug("event stream write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
