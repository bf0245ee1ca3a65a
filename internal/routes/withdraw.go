package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/smart-pay/smart_pay/internal/withdraw"
)

// RegisterWithdrawRoutes wires the withdrawal flow endpoints.
func RegisterWithdrawRoutes(r fiber.Router, h *withdraw.Handler, otpLimiter fiber.Handler) {
	r.Post("/withdrawals/preview", h.Preview)
	r.Post("/withdrawals/otp", h.RequestOtp)
	r.Post("/withdrawals/confirm", otpLimiter, h.Confirm)
}
