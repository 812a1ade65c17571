package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/dienstmarkt/escrow-api/internal/auth"
	"github.com/dienstmarkt/escrow-api/internal/billing"
	"github.com/dienstmarkt/escrow-api/internal/config"
	"github.com/dienstmarkt/escrow-api/internal/database"
	"github.com/dienstmarkt/escrow-api/internal/events"
	"github.com/dienstmarkt/escrow-api/internal/ledger"
	"github.com/dienstmarkt/escrow-api/internal/processor"
	"github.com/dienstmarkt/escrow-api/internal/reconcile"
	"github.com/dienstmarkt/escrow-api/internal/transfer"
	"github.com/dienstmarkt/escrow-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the escrow API server with graceful shutdown
// support. It sets up all required services, database connections, the
// reconciliation sweeper and API routes.
func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register demo credentials
	authService.RegisterAPICredentials("marketplace-api-key", "marketplace-api-secret")
	authService.RegisterInternalCredentials("operator-api-key", "operator-api-secret")

	ledgerService := ledger.NewService(db, cfg.FeeRate, cfg.ClearingHold)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	billingService := billing.NewService(db)
	billingHandlers := billing.NewGinHandlers(billingService)
	ledgerService.SetEntryAuditor(billingService)

	// The simulated processor stands in for the real payment provider; swap
	// in a live client implementation here for production.
	processorClient := processor.NewSimulated()

	executor := transfer.NewExecutor(db, processorClient)
	transferHandlers := transfer.NewGinHandlers(executor)

	var publisher events.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to connect to message broker")
		}
	} else {
		publisher = events.NewLogPublisher()
	}
	defer publisher.Close()

	reconciler := reconcile.NewReconciler(processorClient)

	// Create and start the reconciliation sweeper
	sweeper := reconcile.NewSweeper(ledgerService, billingService, reconciler, executor, publisher, cfg.SweepEvery)
	reconcileHandlers := reconcile.NewGinHandlers(sweeper)

	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	defer sweeperCancel()

	go sweeper.Start(sweeperCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, &cfg, authHandlers, ledgerHandlers, billingHandlers, transferHandlers, reconcileHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the sweeper before the HTTP surface so no new transfers start
	sweeperCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order routes: Protected by JWT authentication
// - Internal routes: Protected by operator authentication
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	billingHandlers *billing.GinHandlers,
	transferHandlers *transfer.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			orders.POST("", ledgerHandlers.CreateOrderHandler())
			orders.GET("/:order_id", ledgerHandlers.GetOrderHandler())
			orders.POST("/:order_id/entries", billingHandlers.RecordEntryHandler())
			orders.GET("/:order_id/entries", billingHandlers.GetOrderEntriesHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/capture/:order_id", ledgerHandlers.CapturePaymentHandler())
			internal.POST("/release/:order_id", ledgerHandlers.ReleaseOrderHandler())
			internal.POST("/entries/:entry_id/hold", billingHandlers.HoldEntryHandler())
			internal.GET("/orders/:order_id/audit", billingHandlers.AuditEntryTotalsHandler())
			internal.GET("/attempts/:attempt_id", transferHandlers.GetAttemptHandler())
			internal.GET("/attempts/failed", transferHandlers.GetFailedAttemptsHandler())
			internal.POST("/sweep", reconcileHandlers.TriggerSweepHandler())
		}
	}
}
