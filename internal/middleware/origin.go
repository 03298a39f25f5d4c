package middleware

import (
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/nimbuschat/realtime-backend/internal/httpx"
)

// OriginAllowed rejects browser requests whose Origin is outside
// ALLOWED_ORIGINS (comma-separated; empty or "*" allows any). Requests
// without an Origin header pass: those are not browser cross-origin calls.
func OriginAllowed() fiber.Handler {
	allowAny := false
	allowed := make(map[string]bool)
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		o = strings.TrimSpace(o)
		switch {
		case o == "*":
			allowAny = true
		case o != "":
			allowed[o] = true
		}
	}

	return func(c *fiber.Ctx) error {
		origin := strings.TrimSpace(c.Get("Origin"))
		if origin == "" || allowAny || len(allowed) == 0 {
			return c.Next()
		}
		if !allowed[origin] {
			return httpx.Forbidden(c, "forbidden_origin", "Origin not allowed")
		}
		return c.Next()
	}
}
