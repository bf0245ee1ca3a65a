package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/smart-pay/smart_pay/internal/transfer"
)

// RegisterTransferRoutes wires the internal transfer endpoint.
func RegisterTransferRoutes(r fiber.Router, h *transfer.Handler) {
	r.Post("/transfers", h.Transfer)
}
