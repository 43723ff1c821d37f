package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-engine/internal/api"
	"collab-engine/internal/auth"
	"collab-engine/internal/collaboration"
	"collab-engine/internal/config"
	"collab-engine/internal/coordinator"
	"collab-engine/internal/db"
	"collab-engine/internal/repository"
	"collab-engine/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting collaborative text engine...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing first so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("collab-engine", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Initialize repositories
	userRepo := repository.NewUserRepository(database.DB)
	docRepo := repository.NewDocumentRepository(database.DB)
	changeRepo := repository.NewChangeLogRepository(database.DB)

	// Token service: issues at signup, re-verifies on every edit
	tokens := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)

	// Session registry and fanout hub
	sessionManager := collaboration.NewSessionManager()

	// Optional cross-instance relay over Redis pub/sub
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		relay, err := collaboration.NewRelay(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Printf("⚠️  Failed to connect Redis relay: %v (continuing single-instance)", err)
		} else {
			sessionManager.SetRelay(relay)
			relay.Start()
			defer relay.Close()
		}
	}

	sessionManager.Start()

	// Sync coordinator: serializes edits per document and owns persistence
	coord := coordinator.New(docRepo, tokens, sessionManager, cfg.SeedText, cfg.CommitRetries, cfg.StoreTimeout)

	// WebSocket handler drives the sync protocol over registered sessions
	wsHandler := collaboration.NewWebSocketHandler(sessionManager, coord, tokens)

	// Initialize handlers with dependency injection
	handler := api.NewHandler(userRepo, docRepo, changeRepo, coord, tokens)

	// Setup routes
	router := api.SetupRoutes(handler, wsHandler)

	// Configure HTTP server
	addr := cfg.ServerAddr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine so shutdown signals are handled
	// concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   POST   /signup                       - Register and get a token")
		log.Printf("   POST   /api/documents                - Seed a document")
		log.Printf("   GET    /api/documents                - List documents")
		log.Printf("   GET    /api/documents/:id            - Get committed text")
		log.Printf("   GET    /api/documents/:id/changes    - Read the change log")
		log.Printf("   WS     /ws/documents/:id?token=...   - Live editing session")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	// Give the server 30 seconds to finish in-flight requests
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Close all live editing sessions
	sessionManager.Shutdown()

	log.Println("✓ Server shutdown complete")
}
