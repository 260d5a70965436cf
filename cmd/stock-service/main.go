package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/consumers"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/handler"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("stock-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("stock-service", cfg.Server.Environment)
	log.Info().Msg("starting Stock Service")

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	// Declare DLQ so messages that exhaust their retries are not lost
	if err := rmq.DeclareDeadLetterQueue("stock-service"); err != nil {
		log.Fatal().Err(err).Msg("failed to declare dead letter queue")
	}

	// Initialize event publisher
	publisher, err := events.NewStockEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	// Initialize repositories
	levelRepo := repository.NewLevelRepository(db)
	batchRepo := repository.NewBatchRepository(db)

	// Initialize services
	ledger := service.NewStockLedger(db, levelRepo, batchRepo, publisher, log)
	reconciler := service.NewReconciler(db, levelRepo, publisher, log)

	// Initialize handlers
	stockHandler := handler.NewStockHandler(ledger, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start purchase order consumer
	purchaseConsumer, err := consumers.NewPurchaseOrderConsumer(rmq, ledger, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create purchase order consumer")
	}
	if err := purchaseConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start purchase order consumer")
	}

	// Start reconciliation scheduler
	var scheduler *service.ReconcileScheduler
	if cfg.Reconciler.Enabled {
		scheduler = service.NewReconcileScheduler(reconciler, cfg.Reconciler.Interval, log)
		scheduler.Start(ctx)
	} else {
		log.Warn().Msg("reconciliation scheduler disabled")
	}

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Pharmacy-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httputil.PharmacyMiddleware) // Extract pharmacy scope from headers

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "stock-service",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// API routes
	r.Route("/api/v1/stock", func(r chi.Router) {
		r.Post("/deduct", stockHandler.Deduct)
		r.Post("/receive", stockHandler.Receive)

		r.Route("/levels", func(r chi.Router) {
			r.Get("/", stockHandler.ListLevels)
			r.Get("/low", stockHandler.ListLowStock)
			r.Get("/{productID}", stockHandler.GetLevel)
			r.Put("/{productID}/threshold", stockHandler.SetThreshold)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Get("/expiring", stockHandler.ListExpiring)
			r.Get("/{productID}", stockHandler.ListBatches)
			r.Delete("/{id}", stockHandler.WriteOffBatch)
		})
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop the consumer and scheduler
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
