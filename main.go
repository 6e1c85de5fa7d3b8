package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ki0xk/kiosk/accounting"
	"github.com/Ki0xk/kiosk/balances"
	"github.com/Ki0xk/kiosk/bridge"
	"github.com/Ki0xk/kiosk/config"
	"github.com/Ki0xk/kiosk/handlers"
	"github.com/Ki0xk/kiosk/middleware"
	"github.com/Ki0xk/kiosk/resolver"
	"github.com/Ki0xk/kiosk/sessions"
	"github.com/Ki0xk/kiosk/settlement"
	"github.com/Ki0xk/kiosk/store"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/clients/federation"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/clients/stellartoml"
	"gorm.io/gorm"
)

type app struct {
	wallets      *store.PinWalletStore
	orchestrator *settlement.Orchestrator
	manager      *sessions.Manager
	aggregator   *balances.Aggregator
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := cfg.Logger()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	a, err := buildApp(cfg, db, log)
	if err != nil {
		log.Fatalf("Failed to build services: %v", err)
	}
	importLegacy(cfg, a, store.NewSessionStore(db), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RetryInterval > 0 {
		go runRetryLoop(ctx, a.orchestrator, cfg.RetryInterval, log)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: setupRouter(cfg, a, log),
	}
	go func() {
		log.WithField("port", cfg.Port).Info("Starting kiosk API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
	log.Info("server stopped")
}

func buildApp(cfg *config.Config, db *gorm.DB, log logrus.FieldLogger) (*app, error) {
	wallets := store.NewPinWalletStore(db, utils.NewPinHasher(cfg.PinPepper))

	log.WithField("backend", cfg.AccountingBackend).Warn("accounting stage runs on the in-process ledger; channel operations are simulated")
	ledger := accounting.NewLedger(map[string]decimal.Decimal{cfg.AccountingAsset: decimal.Zero}, log)
	lazy := settlement.NewLazyAccounting(ledger, cfg.AccountingTimeout)

	router, err := buildBridges(cfg)
	if err != nil {
		return nil, err
	}

	names := resolver.New(nil, federationClient(cfg))
	names.Timeout = cfg.ResolverTimeout
	targets := settlement.NewTargets(settlement.NewChainRegistry(settlement.DefaultChains...), names)

	gw := settlement.NewGateway(lazy, router, settlement.GatewayConfig{
		Asset:          cfg.AccountingAsset,
		ChannelChainID: cfg.ChannelChainID,
		CustodyAddress: cfg.CustodyAddress,
		FeeRecipient:   cfg.FeeRecipient,
		BridgeTimeout:  cfg.BridgeTimeout,
	}, log)

	opts := settlement.Options{
		Policy:   settlement.RetryPolicy{MaxAutoAttempts: cfg.MaxAutoAttempts, MaxManualAttempts: cfg.MaxManualAttempts},
		PinGuard: settlement.PinGuard{MaxFailures: cfg.PinMaxFailures, Lockout: cfg.PinLockout},
		LeaseTTL: cfg.LeaseTTL,
	}

	return &app{
		wallets:      wallets,
		orchestrator: settlement.NewOrchestrator(wallets, gw, targets, opts, log),
		manager:      sessions.NewManager(store.NewSessionStore(db), wallets, gw, targets, log),
		aggregator:   balances.NewAggregator(lazy, router, cfg.AccountingAsset, log),
	}, nil
}

// federationClient resolves "name*domain" addresses with every HTTP request bounded
// by RESOLVER_TIMEOUT.
func federationClient(cfg *config.Config) *federation.Client {
	httpClient := &http.Client{Timeout: cfg.ResolverTimeout}
	horizon := horizonclient.DefaultTestNetClient
	if cfg.StellarNetwork == "public" {
		horizon = horizonclient.DefaultPublicNetClient
	}
	return &federation.Client{
		HTTP:        httpClient,
		Horizon:     horizon,
		StellarTOML: &stellartoml.Client{HTTP: httpClient},
	}
}

// buildBridges registers the HTTP bridge for EVM chains and, when a source account is
// configured, direct Stellar payments.
func buildBridges(cfg *config.Config) (*bridge.Router, error) {
	router := bridge.NewRouter()
	if cfg.BridgeAPIURL != "" {
		router.Handle(settlement.ChainEVM, bridge.NewHTTPBridge(cfg.BridgeAPIURL, cfg.BridgeTimeout))
	}
	if cfg.StellarSourceSecret != "" {
		sb, err := bridge.NewStellarBridge(bridge.NewHorizonClient(cfg.HorizonURL), cfg.NetworkPassphrase,
			cfg.StellarSourceSecret, cfg.StellarAssetCode, cfg.StellarAssetIssuer)
		if err != nil {
			return nil, err
		}
		router.Handle(settlement.ChainStellar, sb)
	}
	return router, nil
}

// importLegacy folds the JSON files written by earlier kiosk builds into the database.
// A corrupt file is moved aside and reported; startup continues.
func importLegacy(cfg *config.Config, a *app, sessionStore *store.SessionStore, log logrus.FieldLogger) {
	ctx := context.Background()
	if cfg.LegacyPinWalletsPath != "" {
		n, err := a.wallets.ImportLegacy(ctx, cfg.LegacyPinWalletsPath)
		if err != nil {
			log.WithError(err).WithField("path", cfg.LegacyPinWalletsPath).Error("legacy PIN wallet import failed")
		} else if n > 0 {
			log.WithField("imported", n).Info("imported legacy PIN wallets")
		}
	}
	if cfg.LegacySessionsPath != "" {
		n, err := sessionStore.ImportLegacy(ctx, cfg.LegacySessionsPath)
		if err != nil {
			log.WithError(err).WithField("path", cfg.LegacySessionsPath).Error("legacy session import failed")
		} else if n > 0 {
			log.WithField("imported", n).Info("imported legacy sessions")
		}
	}
}

func runRetryLoop(ctx context.Context, orchestrator *settlement.Orchestrator, every time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orchestrator.RetryPendingBridges(ctx); err != nil {
				log.WithError(err).Error("retry sweep failed")
			}
		}
	}
}

func setupRouter(cfg *config.Config, a *app, log logrus.FieldLogger) *gin.Engine {
	router := gin.Default()

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "kiosk-api",
		})
	})

	authHandler := handlers.NewAuthHandler(cfg)
	settlementHandler := handlers.NewSettlementHandler(a.orchestrator, a.wallets, log)
	sessionHandler := handlers.NewSessionHandler(a.manager, log)
	balanceHandler := handlers.NewBalanceHandler(a.aggregator)

	api := router.Group("/api/v1")
	{
		api.POST("/auth/token", authHandler.Token)
		api.POST("/auth/refresh", authHandler.Refresh)

		kiosk := api.Group("")
		kiosk.Use(middleware.JwtAuthMiddleware(cfg), middleware.RequireRole(middleware.RoleKiosk, middleware.RoleOperator))
		{
			kiosk.GET("/chains", settlementHandler.ListChains)
			kiosk.POST("/settlements", settlementHandler.Settle)
			kiosk.GET("/pin-wallets/:id", settlementHandler.GetPinWallet)
			kiosk.POST("/pin-wallets/:id/claim", settlementHandler.Claim)

			kiosk.POST("/sessions", sessionHandler.Start)
			kiosk.GET("/sessions/:id", sessionHandler.Get)
			kiosk.POST("/sessions/:id/deposits", sessionHandler.Deposit)
			kiosk.POST("/sessions/:id/end", sessionHandler.End)
			kiosk.POST("/sessions/:id/pin", sessionHandler.ToPin)
		}

		operator := api.Group("/operator")
		operator.Use(middleware.JwtAuthMiddleware(cfg), middleware.RequireRole(middleware.RoleOperator))
		{
			operator.GET("/pin-wallets", settlementHandler.ListPinWallets)
			operator.GET("/sessions", sessionHandler.List)
			operator.POST("/retry", settlementHandler.RetryPending)
			operator.GET("/balances", balanceHandler.Get)
		}
	}

	return router
}
