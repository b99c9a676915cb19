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

	"github.com/lotledger/cogs-backend/internal/cogs/events"
	"github.com/lotledger/cogs-backend/internal/cogs/handler"
	"github.com/lotledger/cogs-backend/internal/cogs/repository"
	"github.com/lotledger/cogs-backend/internal/cogs/service"
	"github.com/lotledger/cogs-backend/pkg/config"
	"github.com/lotledger/cogs-backend/pkg/database"
	"github.com/lotledger/cogs-backend/pkg/httputil"
	"github.com/lotledger/cogs-backend/pkg/logger"
	"github.com/lotledger/cogs-backend/pkg/messaging"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("cogs-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("cogs-service", cfg.Server.Environment)
	log.Info().Msg("starting COGS Service")

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

	// Initialize event publisher
	pub, err := messaging.NewPublisher(rmq, messaging.ExchangeCOGSEvents, "cogs-service", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}
	runPublisher := events.NewRunPublisher(pub, log)

	// Initialize store and service
	store := repository.NewPostgres(db)
	cogsService := service.NewService(store, cfg.Engine, runPublisher, log)

	// Initialize handlers
	runHandler := handler.NewRunHandler(cogsService, log)
	resultHandler := handler.NewResultHandler(cogsService, log)
	inventoryHandler := handler.NewInventoryHandler(cogsService, log)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Tenant-ID", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httputil.TenantMiddleware) // Extract tenant context from headers

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "cogs-service",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// API routes
	r.Route("/api/v1/cogs", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runHandler.List)
			r.Post("/", runHandler.Create)
			r.Get("/{id}", runHandler.Get)
			r.Post("/{id}/rollback", runHandler.Rollback)
			r.Get("/{id}/attributions", resultHandler.Attributions)
			r.Get("/{id}/summaries", resultHandler.Summaries)
			r.Get("/{id}/errors", resultHandler.Errors)
		})

		r.Get("/inventory", inventoryHandler.Get)
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

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
