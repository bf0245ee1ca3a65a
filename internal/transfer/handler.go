package transfer

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/smart-pay/smart_pay/internal/authz"
	"github.com/smart-pay/smart_pay/internal/policy"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

// Handler exposes the transfer HTTP endpoint.
type Handler struct {
	processor *Processor
}

// NewHandler constructs a transfer handler.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

type transferRequest struct {
	PayerID string `json:"payer_id"`
	PayeeID string `json:"payee_id"`
	Amount  int64  `json:"amount"`
	PIN     string `json:"pin"`
}

type transferResponse struct {
	Reference    string `json:"reference"`
	PayerBalance int64  `json:"payer_balance"`
	Fee          int64  `json:"fee"`
}

// Transfer moves funds between two wallets.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.processor.Transfer(c.UserContext(), Input{
		PayerID: req.PayerID,
		PayeeID: req.PayeeID,
		Amount:  req.Amount,
		PIN:     req.PIN,
	})
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, wallet.ErrInsufficientFunds), errors.Is(err, policy.ErrInvalidAmount):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, authz.ErrPinLocked):
			return fiber.NewError(http.StatusLocked, err.Error())
		case errors.Is(err, authz.ErrInvalidPin), errors.Is(err, authz.ErrPinNotSet):
			return fiber.NewError(http.StatusForbidden, err.Error())
		case errors.Is(err, policy.ErrWalletFrozen):
			return fiber.NewError(http.StatusForbidden, err.Error())
		case errors.Is(err, policy.ErrLimitExceeded):
			return fiber.NewError(http.StatusForbidden, err.Error())
		default:
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(transferResponse{
		Reference:    result.Reference,
		PayerBalance: result.PayerBalance,
		Fee:          result.Fee,
	})
}
