package server

import (
	"errors"

	"github.com/gofiber/websocket/v2"

	"github.com/klaxonhq/klaxon/internal/hub"
)

// handleWebSocket owns a single client socket for its lifetime. The hub
// performs all writes; this goroutine only pumps inbound frames.
func (s *Server) handleWebSocket(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":{"error":"unauthenticated","message":"user identity is required"}}`))
		c.Close()
		return
	}

	conn, err := s.hub.Connect(c, userID)
	if err != nil {
		if !errors.Is(err, hub.ErrConnectionLimit) {
			s.log.Error("websocket registration failed", "user_id", userID, "error", err)
		}
		// Connect already closed the socket with a policy violation frame.
		return
	}
	defer s.hub.Disconnect(conn.ID)

	for {
		msgType, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket closed unexpectedly", "conn_id", conn.ID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.hub.HandleFrame(conn.ID, raw)
	}
}
