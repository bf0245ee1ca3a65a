package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/smart-pay/smart_pay/internal/authz"
	"github.com/smart-pay/smart_pay/internal/config"
	"github.com/smart-pay/smart_pay/internal/identity"
	"github.com/smart-pay/smart_pay/internal/ledger"
	"github.com/smart-pay/smart_pay/internal/middleware"
	"github.com/smart-pay/smart_pay/internal/notification"
	"github.com/smart-pay/smart_pay/internal/policy"
	"github.com/smart-pay/smart_pay/internal/reconcile"
	"github.com/smart-pay/smart_pay/internal/transfer"
	"github.com/smart-pay/smart_pay/internal/wallet"
	"github.com/smart-pay/smart_pay/internal/withdraw"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	// Dispatcher overrides the payout rail connector; nil selects the
	// simulated StaticDispatcher.
	Dispatcher withdraw.Dispatcher
}

// Core bundles the assembled money-movement services so the caller can manage
// the worker lifecycle.
type Core struct {
	Worker *reconcile.Worker
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Core, error) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger, "/api/v1/gateway/"))
	}

	RegisterHealthRoutes(app, d)

	// Storage backends: Postgres when wired, in-memory otherwise (dev mode).
	var (
		wallets  wallet.Store
		eng      ledger.Engine
		pending  authz.PendingStore
		dedupe   reconcile.DedupeStore
		resolver identity.Resolver
	)
	if d.DB != nil {
		wallets = wallet.NewPostgresStore(d.DB)
		eng = ledger.NewPostgresEngine(d.DB)
		pending = authz.NewPostgresPendingStore(d.DB)
		dedupe = reconcile.NewPostgresDedupeStore(d.DB)
		resolver = identity.NewPostgresResolver(d.DB)
	} else {
		wallets = wallet.NewMemoryStore()
		eng = ledger.NewInMemory()
		pending = authz.NewMemoryPendingStore()
		dedupe = reconcile.NewMemoryDedupeStore()
		resolver = identity.NewMemoryResolver()
	}

	locks := wallet.NewLocker()
	fees := policy.NewFeePolicy(d.Cfg.FeeTiers)
	limits := policy.NewLimitPolicy(d.Cfg.PerTxCap, d.Cfg.DailyCap, d.Cfg.GlobalFreeze)
	guard := authz.NewGuard(wallets, pending, d.Cfg.PinMaxAttempts, d.Cfg.PinLockWindow, d.Cfg.OtpTTL)
	notifier := notification.NewLoggerNotifier(d.Logger)

	processor := transfer.NewProcessor(wallets, eng, fees, limits, guard, locks, notifier, d.Cfg.PlatformWalletID, d.Logger)
	withdrawSvc := withdraw.NewService(wallets, eng, fees, limits, guard, locks, d.Dispatcher, d.Logger)
	manager := withdraw.NewManager(wallets, eng, locks, notifier, d.Logger)
	reconciler := reconcile.NewReconciler(wallets, eng, dedupe, locks, notifier, d.Logger)
	worker := reconcile.NewWorker(reconciler, d.Logger)

	walletHandler := wallet.NewHandler(wallets, eng, resolver)
	transferHandler := transfer.NewHandler(processor)
	withdrawHandler := withdraw.NewHandler(withdrawSvc, manager)
	authzHandler := authz.NewHandler(guard, wallets)
	gatewayHandler := reconcile.NewHandler(worker, d.Logger)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletHandler, authzHandler)
	RegisterTransferRoutes(api, transferHandler)
	otpLimiter := middleware.OtpRateLimit(d.Cache, 5)
	RegisterWithdrawRoutes(api, withdrawHandler, otpLimiter)
	RegisterGatewayRoutes(api, gatewayHandler, withdrawHandler)

	return &Core{Worker: worker}, nil
}
