package handlers

import (
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/nimbuschat/realtime-backend/internal/cache"
	"github.com/nimbuschat/realtime-backend/internal/handlers/ws"
	"github.com/nimbuschat/realtime-backend/internal/httpx"
)

// PresenceHandler serves presence reads for trusted backend services. The
// REST tier uses these instead of talking to redis directly.
type PresenceHandler struct {
	presence *cache.PresenceCache
	hub      *ws.Hub
}

func NewPresenceHandler(presence *cache.PresenceCache, hub *ws.Hub) *PresenceHandler {
	return &PresenceHandler{presence: presence, hub: hub}
}

// ListOnline handles GET /internal/presence.
func (h *PresenceHandler) ListOnline(c *fiber.Ctx) error {
	users, err := h.presence.OnlineUsers()
	if err != nil {
		log.Printf("online users lookup failed: %v", err)
		return httpx.Internal(c, "presence_unavailable")
	}
	if users == nil {
		users = []uint{}
	}
	return c.JSON(fiber.Map{
		"users":    users,
		"count":    len(users),
		"sessions": h.hub.Count(),
	})
}

// GetUser handles GET /internal/presence/:userId.
func (h *PresenceHandler) GetUser(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("userId"), 10, 32)
	if err != nil || id == 0 {
		return httpx.BadRequest(c, "invalid_user_id", "userId must be a positive integer")
	}
	userID := uint(id)

	lastSeen, err := h.presence.LastSeen(userID)
	if err != nil {
		log.Printf("presence lookup failed user_id=%d: %v", userID, err)
		return httpx.Internal(c, "presence_unavailable")
	}

	// The local registry is authoritative for this instance; the cache
	// covers users connected elsewhere.
	online := h.hub.IsOnline(userID)
	resp := fiber.Map{
		"userId": userID,
		"online": online,
	}
	if lastSeen != nil {
		resp["lastSeen"] = lastSeen.UTC()
	}
	return c.JSON(resp)
}
