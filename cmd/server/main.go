package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/chronicle/internal/changelog"
	"github.com/rpattn/chronicle/internal/changelog/diff"
	"github.com/rpattn/chronicle/internal/config"
	"github.com/rpattn/chronicle/internal/db"
	"github.com/rpattn/chronicle/internal/httpapi"
	"github.com/rpattn/chronicle/internal/ingestion"
	"github.com/rpattn/chronicle/internal/logger"
	"github.com/rpattn/chronicle/internal/middleware"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/versioning"

	"github.com/rs/cors"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, loaded, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	if !loaded {
		log.Info("no config.yaml found, using defaults and environment", "path", *configPath)
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register versioned types
	registry := versioning.NewRegistry()
	types := cfg.Types
	if len(types) == 0 {
		types = defaultCatalog()
	}
	for _, entityType := range types {
		if _, err := registry.Register(entityType); err != nil {
			log.Fatal("failed to register entity type", "entity_type", entityType.Name, "error", err)
		}
	}

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer conn.Close()

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatal("failed to run migrations", "error", err)
	}

	store := repository.NewStore(conn)
	tracker := versioning.NewTracker(store, registry, log)
	service := changelog.NewService(store, registry, log,
		changelog.WithPageSize(cfg.Changelog.PageSize),
		changelog.WithMaxPageSize(cfg.Changelog.MaxPageSize),
		changelog.WithLabels(diff.Labels{
			Created: cfg.Labels.Created,
			Edited:  cfg.Labels.Edited,
			Deleted: cfg.Labels.Deleted,
			Empty:   cfg.Labels.Empty,
		}),
	)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	// Setup routes
	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewHandler(store, tracker, service, log))
	mux.Handle("POST /entities/{type}/import", ingestion.NewHTTPHandler(ingestion.NewService(tracker, log)))

	var handler http.Handler = mux
	handler = middleware.DataLoaderMiddleware(store, registry)(handler)
	handler = middleware.EditorMiddleware(store.Editors(), log)(handler)
	handler = middleware.LoggingMiddleware(log)(handler)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("starting server", "addr", cfg.Server.Addr, "types", registry.Types())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}
