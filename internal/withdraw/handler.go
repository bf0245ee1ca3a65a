package withdraw

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/smart-pay/smart_pay/internal/authz"
	"github.com/smart-pay/smart_pay/internal/policy"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

// Handler exposes the withdrawal HTTP endpoints.
type Handler struct {
	service *Service
	manager *Manager
}

// NewHandler constructs a withdrawal handler.
func NewHandler(service *Service, manager *Manager) *Handler {
	return &Handler{service: service, manager: manager}
}

type previewRequest struct {
	WalletID string `json:"wallet_id"`
	Amount   int64  `json:"amount"`
}

// Preview reports the fee breakdown without touching state.
func (h *Handler) Preview(c *fiber.Ctx) error {
	var req previewRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	preview, err := h.service.PreviewWithdraw(c.UserContext(), req.WalletID, req.Amount)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"amount":  preview.Amount,
		"fee":     preview.Fee,
		"net":     preview.Net,
		"balance": preview.Balance,
		"allowed": preview.Allowed,
	})
}

type otpRequest struct {
	WalletID string `json:"wallet_id"`
	Amount   int64  `json:"amount"`
	PIN      string `json:"pin"`
}

// RequestOtp runs withdrawal preconditions and issues the gating OTP.
func (h *Handler) RequestOtp(c *fiber.Ctx) error {
	var req otpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	_, err := h.service.RequestOtp(c.UserContext(), req.WalletID, req.Amount, req.PIN)
	if err != nil {
		return mapWithdrawErr(err)
	}
	// The code itself goes out over a side channel, never in the response.
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "otp_sent"})
}

type confirmRequest struct {
	WalletID string `json:"wallet_id"`
	OTP      string `json:"otp"`
}

// Confirm consumes the OTP, debits the wallet and dispatches the payout.
func (h *Handler) Confirm(c *fiber.Ctx) error {
	var req confirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.Confirm(c.UserContext(), req.WalletID, req.OTP)
	if err != nil {
		return mapWithdrawErr(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"reference": result.Reference,
		"balance":   result.Balance,
		"amount":    result.Amount,
		"fee":       result.Fee,
	})
}

type outcomeRequest struct {
	Reference string `json:"reference"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason"`
	Amount    int64  `json:"amount"`
	WalletID  string `json:"wallet_id"`
}

// PayoutOutcome receives the rail's asynchronous result for a dispatched
// payout. The rail is always acked; a conflict is logged for review, never
// bounced back as a rejection.
func (h *Handler) PayoutOutcome(c *fiber.Ctx) error {
	var req outcomeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ignored"})
	}
	disposition, err := h.manager.OnOutcome(c.UserContext(), Outcome{
		Reference: req.Reference,
		Success:   req.Success,
		Reason:    req.Reason,
		Amount:    req.Amount,
		WalletID:  req.WalletID,
	})
	if err != nil {
		return c.Status(http.StatusOK).JSON(fiber.Map{"status": "accepted", "note": err.Error()})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "accepted", "disposition": string(disposition)})
}

func mapWithdrawErr(err error) error {
	switch {
	case errors.Is(err, wallet.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds), errors.Is(err, policy.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrPinLocked):
		return fiber.NewError(http.StatusLocked, err.Error())
	case errors.Is(err, authz.ErrInvalidPin), errors.Is(err, authz.ErrPinNotSet):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, authz.ErrOtpExpired), errors.Is(err, authz.ErrOtpInvalid), errors.Is(err, authz.ErrNoPending):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, policy.ErrWalletFrozen), errors.Is(err, policy.ErrLimitExceeded):
		return fiber.NewError(http.StatusForbidden, err.Error())
	default:
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
}
