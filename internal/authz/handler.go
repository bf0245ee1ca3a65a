package authz

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/smart-pay/smart_pay/internal/wallet"
)

// Handler exposes PIN management endpoints.
type Handler struct {
	guard   *Guard
	wallets wallet.Store
}

// NewHandler constructs an authorization handler.
func NewHandler(guard *Guard, wallets wallet.Store) *Handler {
	return &Handler{guard: guard, wallets: wallets}
}

type setPinRequest struct {
	CurrentPIN string `json:"current_pin"`
	NewPIN     string `json:"new_pin"`
}

// SetPin sets or rotates a wallet PIN. Rotation requires the current PIN.
func (h *Handler) SetPin(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	var req setPinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	w, err := h.wallets.Get(c.UserContext(), walletID)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	if w.HasPin() {
		if err := h.guard.VerifyPin(c.UserContext(), w, req.CurrentPIN); err != nil {
			if errors.Is(err, ErrPinLocked) {
				return fiber.NewError(http.StatusLocked, err.Error())
			}
			return fiber.NewError(http.StatusForbidden, err.Error())
		}
	}

	if err := h.guard.SetPin(c.UserContext(), walletID, req.NewPIN); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
}
