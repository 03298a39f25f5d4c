package handlers

import (
	"log"
	"os"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/nimbuschat/realtime-backend/internal/handlers/ws"
)

// protocolStrikeLimit closes a connection after this many consecutive
// protocol/validation errors; a valid frame resets the counter.
const protocolStrikeLimit = 5

type WebSocketHandler struct {
	hub    *ws.Hub
	router *ws.Router
}

func NewWebSocketHandler(hub *ws.Hub, router *ws.Router) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, router: router}
}

// GetHub returns the hub instance (useful for sending events from other handlers)
func (h *WebSocketHandler) GetHub() *ws.Hub {
	return h.hub
}

// HandleWebSocket completes the handshake for an already-authenticated
// upgrade, registers the session and runs the read loop. Auth failures never
// reach this point: the middleware rejects them before the upgrade.
func (h *WebSocketHandler) HandleWebSocket(c *websocket.Conn) {
	userID, ok := c.Locals("userID").(uint)
	if !ok || userID == 0 {
		// Token was stripped between middleware and upgrade; refuse.
		_ = c.WriteJSON(ws.NewError(ws.CodeAuth, "unauthenticated connection", ""))
		_ = c.Close()
		return
	}
	deviceID, _ := c.Locals("deviceID").(string)
	if deviceID == "" {
		deviceID = c.Query("device", "unknown")
	}
	wsDebug := os.Getenv("WS_DEBUG") == "true"

	// Check if client supports gzip compression (via query param or header)
	supportsGzip := c.Query("gzip") == "1" || c.Headers("X-Supports-Gzip") == "1"

	session := ws.NewSession(uuid.NewString(), userID, deviceID, supportsGzip, c)

	c.SetPongHandler(func(string) error {
		session.TouchPong()
		return nil
	})

	firstSession := h.hub.Register(session)
	if firstSession {
		go h.router.Presence().UserOnline(userID)
	}

	defer h.hub.Unregister(session.SessionID)

	h.router.Acknowledge(session)
	log.Printf("user %d connected session=%s device=%s", userID, session.SessionID, deviceID)

	strikes := 0
	for {
		frameType, frame, err := c.ReadMessage()
		if err != nil {
			log.Printf("read loop ended user_id=%d session=%s: %v", userID, session.SessionID, err)
			break
		}

		if wsDebug {
			log.Printf("ws_recv user_id=%d frame_type=%d size=%d", userID, frameType, len(frame))
		}

		if werr := h.router.HandleFrame(session, frameType, frame); werr != nil {
			if werr.Fatal() {
				break
			}
			if werr.Code == ws.CodeValidation || werr.Code == ws.CodeProtocol {
				strikes++
				if strikes >= protocolStrikeLimit {
					log.Printf("closing session %s after %d protocol violations", session.SessionID, strikes)
					break
				}
			}
			continue
		}
		strikes = 0
	}

	log.Printf("user %d disconnected session=%s", userID, session.SessionID)
}
