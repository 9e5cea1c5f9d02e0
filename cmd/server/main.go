package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"otp2p/internal/api"
	"otp2p/internal/config"
	"otp2p/internal/db"
	"otp2p/internal/discovery"
	"otp2p/internal/repository"
	"otp2p/internal/services"
	"otp2p/internal/services/collaboration"
	"otp2p/internal/services/relay"
	"otp2p/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Concurrent server and worker pool management
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: stop taking edits, snapshot every
   replica, then let the persister drain before the database closes
*/

func main() {
	log.Println("🚀 Starting collaborative editing hub...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("otp2p-hub", cfg.JaegerEndpoint)
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
	docRepo := repository.NewDocumentRepository(database.DB)
	opRepo := repository.NewOpRepository(database.DB)
	snapRepo := repository.NewSnapshotRepository(database.DB)

	// Initialize persistence with worker pool
	// Learning: This creates the worker pool but doesn't start it yet
	persister := services.NewPersister(
		opRepo,
		snapRepo,
		docRepo,
		cfg.PersistWorkers,
		cfg.PersistQueueSize,
		cfg.SnapshotKeep,
	)

	// Start the worker pool
	// Learning: This spawns goroutines that will process jobs concurrently
	persister.Start()

	// Initialize WebSocket session manager for real-time collaboration
	sessionManager := collaboration.NewSessionManager(cfg.HistoryCapacity, cfg.SnapshotEvery)
	sessionManager.SetPersister(persister)

	// Relay ops between hub instances when Redis is configured
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	if cfg.RedisAddr != "" {
		redisRelay, err := relay.NewRedisRelay(relayCtx, cfg.RedisAddr)
		if err != nil {
			log.Printf("⚠️  %v (continuing as a single instance)", err)
		} else {
			defer redisRelay.Close()
			sessionManager.SetRelay(redisRelay)
			if err := redisRelay.Subscribe(relayCtx, sessionManager.HandleRelayed); err != nil {
				log.Printf("⚠️  %v (ops from other instances will not arrive)", err)
			}
		}
	}

	sessionManager.Start()

	// Initialize WebSocket handler
	wsHandler := collaboration.NewWebSocketHandler(sessionManager)

	// Initialize handlers with dependency injection
	handler := api.NewHandler(sessionManager, docRepo, wsHandler)

	// Setup routes
	router := api.SetupRoutes(handler)

	// Announce the hub on the LAN
	if cfg.MDNSEnabled {
		port, _ := strconv.Atoi(cfg.ServerPort)
		advertiser, err := discovery.Advertise(cfg.MDNSService, port, "/ws/document")
		if err != nil {
			log.Printf("⚠️  %v (peers must be given the hub address)", err)
		} else {
			defer advertiser.Shutdown()
		}
	}

	// Configure HTTP server
	addr := cfg.ServerAddr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   GET    /api/documents              - List documents")
		log.Printf("   GET    /api/documents/:id          - Document text and revision window")
		log.Printf("   DELETE /api/documents/:id          - Delete document (soft)")
		log.Printf("   GET    /api/documents/:id/snapshot - Model and history")
		log.Printf("   POST   /api/documents/:id/insert   - Insert text")
		log.Printf("   POST   /api/documents/:id/delete   - Delete text")
		log.Printf("   POST   /api/documents/:id/ops      - Submit an op")
		log.Printf("   WS     /ws/document/:id            - Collaborate")
		log.Printf("   GET    /metrics                    - Prometheus metrics")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	// Learning: This is the graceful shutdown pattern
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	// Shutdown HTTP server with timeout
	// Learning: Give the server 30 seconds to finish existing requests
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Stop applying ops from other instances
	stopRelay()

	// Shutdown WebSocket session manager
	// Learning: This snapshots every replica and closes all connections
	sessionManager.Shutdown()

	// Shutdown persister
	// Learning: This waits for workers to write every queued op and snapshot
	persister.Shutdown()

	log.Println("✓ Server shutdown complete")
}
