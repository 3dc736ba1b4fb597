package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Header names for device and operator keys.
const (
	MeterKeyHeader = "X-Meter-Key"
	AdminKeyHeader = "X-Admin-Key"
)

// APIKey admits requests whose header carries the shared key. An empty key
// rejects everything.
func APIKey(header, key string) fiber.Handler {
	expected := []byte(key)
	return func(c *fiber.Ctx) error {
		got := []byte(c.Get(header))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid api key")
		}
		return c.Next()
	}
}
