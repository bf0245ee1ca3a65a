package reconcile

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler receives inbound collection callbacks from gateway adapters. The
// external rail retry-storms on anything but a prompt success, so the
// endpoint always acks fast and leaves processing to the worker.
type Handler struct {
	worker *Worker
	logger *slog.Logger
}

// NewHandler constructs a gateway-inbound handler.
func NewHandler(worker *Worker, logger *slog.Logger) *Handler {
	return &Handler{worker: worker, logger: logger}
}

type collectionRequest struct {
	Gateway     string `json:"gateway"`
	ExternalRef string `json:"external_ref"`
	WalletID    string `json:"wallet_id"`
	Amount      int64  `json:"amount"`
	Direction   string `json:"direction"`
}

// Collection enqueues a normalized collection event and acknowledges the rail.
func (h *Handler) Collection(c *fiber.Ctx) error {
	var req collectionRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warn("unreadable collection callback", "error", err)
		return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ignored"})
	}

	ev := GatewayEvent{
		Gateway:     req.Gateway,
		ExternalRef: req.ExternalRef,
		WalletID:    req.WalletID,
		Amount:      req.Amount,
		Direction:   req.Direction,
	}
	if err := h.worker.Enqueue(ev); err != nil {
		h.logger.Error("enqueue collection event", "gateway", ev.Gateway, "external_ref", ev.ExternalRef, "error", err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "accepted"})
}
