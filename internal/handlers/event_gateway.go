package handlers

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/nimbuschat/realtime-backend/internal/handlers/ws"
	"github.com/nimbuschat/realtime-backend/internal/httpx"
	"github.com/nimbuschat/realtime-backend/internal/validation"
)

// EventGatewayHandler lets trusted backend services inject chat-scoped events
// (edits, deletions, membership changes) into the realtime plane over HTTP.
type EventGatewayHandler struct {
	router *ws.Router
}

func NewEventGatewayHandler(router *ws.Router) *EventGatewayHandler {
	return &EventGatewayHandler{router: router}
}

type injectEventRequest struct {
	Event  string          `json:"event"`
	ChatID string          `json:"chatId"`
	Data   json.RawMessage `json:"data"`
}

// InjectEvent handles POST /internal/events. The internal-key middleware has
// already authenticated the caller.
func (h *EventGatewayHandler) InjectEvent(c *fiber.Ctx) error {
	var req injectEventRequest
	if err := c.BodyParser(&req); err != nil {
		return httpx.BadRequest(c, "invalid_body", "Malformed JSON body")
	}
	if req.Event == "" {
		return httpx.BadRequest(c, "missing_event", "event is required")
	}
	if !validation.ValidChatID(req.ChatID) {
		return httpx.BadRequest(c, "invalid_chat_id", "chatId is missing or malformed")
	}

	if err := h.router.InjectChatEvent(req.Event, req.ChatID, req.Data); err != nil {
		werr := ws.AsError(err)
		if werr.Code == ws.CodeValidation {
			return httpx.BadRequest(c, "unsupported_event", werr.Message)
		}
		log.Printf("event injection failed event=%s chat_id=%s: %v", req.Event, req.ChatID, err)
		return httpx.Internal(c, "injection_failed")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"accepted": true,
		"event":    req.Event,
		"chatId":   req.ChatID,
	})
}
