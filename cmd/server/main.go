package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/goat-community/goat-core/internal/api"
	"github.com/goat-community/goat-core/internal/auth"
	"github.com/goat-community/goat-core/internal/cache"
	"github.com/goat-community/goat-core/internal/config"
	"github.com/goat-community/goat-core/internal/db"
	"github.com/goat-community/goat-core/internal/geoapi"
	"github.com/goat-community/goat-core/internal/jobs"
	"github.com/goat-community/goat-core/internal/middleware"
	"github.com/goat-community/goat-core/internal/repository"
	"github.com/goat-community/goat-core/internal/routing"
	"github.com/goat-community/goat-core/internal/tools"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	// Run migrations
	if err := db.RunMigrations(cfg.Database, cfg.Jobs.MigrationsPath); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Create repositories
	jobRepo := repository.NewJobRepository(conn.Pool)
	layerRepo := repository.NewLayerRepository(conn.Pool)
	layerProjectRepo := repository.NewLayerProjectRepository(conn.Pool, layerRepo)

	// Job status cache; fall back to the no-op cache when redis is absent
	var statusCache cache.JobStatusCache
	statusCache, err = cache.NewRedisCache(cfg.Redis.URL, cfg.Jobs.StatusCacheTTL)
	if err != nil {
		log.Printf("Redis unavailable, job status polling falls back to Postgres: %v", err)
		statusCache = cache.NoopCache{}
	}
	defer statusCache.Close()

	// External services
	geoClient := geoapi.NewClient(cfg.GeoAPI.BaseURL,
		geoapi.WithRetries(cfg.GeoAPI.Retries, cfg.GeoAPI.RetryInterval))
	routingClient := routing.NewClient(cfg.Routing.BaseURL,
		routing.WithAuthToken(cfg.Routing.AuthToken),
		routing.WithRetries(cfg.Routing.Retries, cfg.Routing.RetryInterval))

	// Job execution
	runner := jobs.NewRunner(jobRepo, statusCache)
	scheduler := jobs.NewScheduler(runner, cfg.Jobs.MaxParallelJobs, cfg.Jobs.QueueSize,
		jobs.WithJobTimeout(cfg.Jobs.Timeout),
		jobs.WithInlineExecution(!cfg.Jobs.RunAsBackground))
	defer scheduler.Shutdown()

	deps := tools.Deps{
		Exec:          conn.Pool,
		Resolver:      tools.NewResolver(layerProjectRepo, conn.Pool),
		Layers:        layerRepo,
		LayerProjects: layerProjectRepo,
		GeoAPI:        geoClient,
	}
	service := tools.NewService(deps, routingClient, jobRepo, scheduler, statusCache, cfg.Tools)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	apiHandler := middleware.LoggingMiddleware(
		auth.Middleware(api.NewHTTPHandler(service)),
	)

	mux := http.NewServeMux()
	mux.Handle("/api/v2/", corsHandler.Handler(apiHandler))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.Pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting analysis server on :%d", cfg.Server.Port)
		log.Printf("Tool endpoints available under http://localhost:%d/api/v2/tools", cfg.Server.Port)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
