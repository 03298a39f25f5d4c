package middleware

import (
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nimbuschat/realtime-backend/internal/httpx"
)

type Claims struct {
	UserID   uint   `json:"user_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// AuthRequired validates the access token minted by the external auth
// service. Browser WebSocket clients cannot set headers on the upgrade
// request, so a ?token= query parameter is accepted as well.
func AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var tokenString string
		if authHeader := c.Get("Authorization"); authHeader != "" {
			// Extract token from "Bearer <token>"
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return httpx.Unauthorized(c, "invalid_authorization", "Invalid authorization format")
			}
			tokenString = parts[1]
		} else if q := c.Query("token"); q != "" {
			tokenString = q
		} else {
			tokenString = c.Cookies("nc_access")
		}

		if tokenString == "" {
			return httpx.Unauthorized(c, "missing_access_token", "Missing access token")
		}

		// Parse and validate token
		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(os.Getenv("JWT_SECRET")), nil
		})

		if err != nil || !token.Valid {
			return httpx.Unauthorized(c, "invalid_access_token", "Invalid or expired token")
		}

		claims, ok := token.Claims.(*Claims)
		if !ok || claims.UserID == 0 {
			return httpx.Unauthorized(c, "invalid_access_token", "Invalid token")
		}

		c.Locals("userID", claims.UserID)
		c.Locals("deviceID", claims.DeviceID)
		return c.Next()
	}
}

// InternalAuth guards the trusted event gateway with a shared secret.
func InternalAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := os.Getenv("INTERNAL_API_KEY")
		if secret == "" {
			return httpx.Error(c, fiber.StatusServiceUnavailable, "gateway_disabled", "Internal gateway is not configured")
		}
		if c.Get("X-Internal-Key") != secret {
			return httpx.Unauthorized(c, "invalid_internal_key", "Invalid internal key")
		}
		return c.Next()
	}
}
