package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// OtpRateLimit caps OTP confirmation attempts per wallet using Redis if
// available. Brute-forcing a 6-digit code is otherwise cheap.
func OtpRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 5
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next() // no-op without Redis
		}
		var req struct {
			WalletID string `json:"wallet_id"`
		}
		_ = c.BodyParser(&req)
		subject := strings.TrimSpace(req.WalletID)
		if subject == "" {
			subject = c.IP()
		}
		key := "rl:otp:" + subject
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err == nil && cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many OTP attempts, try again later")
		}
		return c.Next()
	}
}
