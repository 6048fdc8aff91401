package broadcast

import (
	"log/slog"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// RequireUpgrade answers 426 to plain HTTP requests on the websocket route
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler serves one websocket connection for its lifetime
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		id := h.Register(c)
		if id == "" {
			return
		}
		defer h.Unregister(id)

		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn("websocket read failed",
						slog.String("client_id", id),
						slog.String("error", err.Error()))
				}
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			h.HandleMessage(id, msg)
		}
	})
}
