package wallet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/smart-pay/smart_pay/internal/identity"
	"github.com/smart-pay/smart_pay/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	store    Store
	ledger   ledger.Engine
	resolver identity.Resolver
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(store Store, eng ledger.Engine, resolver identity.Resolver) *Handler {
	return &Handler{store: store, ledger: eng, resolver: resolver}
}

type createRequest struct {
	ID    string `json:"id"`
	Class string `json:"class"`
	Alias string `json:"alias"`
}

type walletResponse struct {
	ID      string `json:"id"`
	Class   string `json:"class"`
	Balance int64  `json:"balance"`
	Frozen  bool   `json:"frozen"`
}

// Create provisions a wallet, optionally binding an external alias to it.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.ID == "" {
		return fiber.NewError(http.StatusBadRequest, "wallet id is required")
	}
	class := Class(req.Class)
	switch class {
	case ClassUser, ClassBusiness, ClassPlatform:
	case "":
		class = ClassUser
	default:
		return fiber.NewError(http.StatusBadRequest, "unknown wallet class")
	}

	w, err := h.store.GetOrCreate(c.UserContext(), req.ID, class)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Alias != "" {
		if err := h.resolver.Bind(c.UserContext(), req.Alias, w.ID); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(walletResponse{
		ID:      w.ID,
		Class:   string(w.Class),
		Balance: w.Balance,
		Frozen:  w.Frozen,
	})
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	w, err := h.resolve(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet_id": w.ID,
		"balance":   w.Balance,
		"timestamp": time.Now().UTC(),
	})
}

type entryResponse struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	Reference     string    `json:"reference"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Statement returns the wallet's ledger entries, newest first.
func (h *Handler) Statement(c *fiber.Ctx) error {
	w, err := h.resolve(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	limit := c.QueryInt("limit", 50)
	entries, err := h.ledger.EntriesForWallet(c.UserContext(), w.ID, limit)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entryResponse{
			ID:            entry.ID,
			Kind:          string(entry.Kind),
			Amount:        entry.Amount,
			Reference:     entry.Reference,
			BalanceBefore: entry.BalanceBefore,
			BalanceAfter:  entry.BalanceAfter,
			Status:        string(entry.Status),
			CreatedAt:     entry.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallet_id": w.ID, "entries": out})
}

// resolve accepts either a canonical wallet id or a bound external alias.
func (h *Handler) resolve(ctx context.Context, idOrAlias string) (Wallet, error) {
	w, err := h.store.Get(ctx, idOrAlias)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Wallet{}, err
	}
	walletID, err := h.resolver.Resolve(ctx, idOrAlias)
	if err != nil {
		return Wallet{}, ErrNotFound
	}
	return h.store.Get(ctx, walletID)
}
