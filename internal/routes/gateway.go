package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/smart-pay/smart_pay/internal/reconcile"
	"github.com/smart-pay/smart_pay/internal/withdraw"
)

// RegisterGatewayRoutes wires the callback endpoints external rails are
// pointed at. Both always acknowledge quickly; processing is internal.
func RegisterGatewayRoutes(r fiber.Router, gh *reconcile.Handler, wh *withdraw.Handler) {
	r.Post("/gateway/collections", gh.Collection)
	r.Post("/gateway/payouts/outcome", wh.PayoutOutcome)
}
