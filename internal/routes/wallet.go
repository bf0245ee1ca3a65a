package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/smart-pay/smart_pay/internal/authz"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, ah *authz.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets/:walletId/balance", h.Balance)
	r.Get("/wallets/:walletId/statement", h.Statement)
	r.Post("/wallets/:walletId/pin", ah.SetPin)
}
