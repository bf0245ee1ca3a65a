package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestID ensures each request carries a stable identifier for tracing.
// An inbound X-Request-ID is honored so gateway callbacks can be correlated
// with the rail's own logs; otherwise one is generated.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		c.Set(requestIDHeader, reqID)
		c.Locals(requestIDHeader, reqID)

		return c.Next()
	}
}

// RequestIDFrom returns the request identifier placed by RequestID, or an
// empty string when the middleware did not run.
func RequestIDFrom(c *fiber.Ctx) string {
	reqID, _ := c.Locals(requestIDHeader).(string)
	return reqID
}
