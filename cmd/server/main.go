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

	"roomsync/internal/api"
	"roomsync/internal/collaboration"
	"roomsync/internal/config"
	"roomsync/internal/discovery"
	"roomsync/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting roomsync rendezvous server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing first so everything after it is traced
	jaegerShutdown := func(ctx context.Context) error { return nil }
	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitJaeger("roomsync", cfg.JaegerEndpoint)
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		} else {
			jaegerShutdown = shutdown
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	opts := collaboration.DefaultOptions()
	opts.SendBufferSize = cfg.SendBufferSize
	opts.IdleTimeout = cfg.IdleTimeout

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		backplane, err := collaboration.NewRedisBackplane(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Fatalf("❌ Failed to connect backplane: %v", err)
		}
		opts.Backplane = backplane
	}

	sessionManager := collaboration.NewSessionManager(opts)
	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager)
	handler := api.NewHandler(sessionManager, wsHandler)
	router := api.SetupRoutes(handler)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would cut long-lived websocket connections
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /api/health     - Health check")
		log.Printf("   GET    /api/rooms      - List open rooms")
		log.Printf("   GET    /api/rooms/:id  - Room members")
		log.Printf("   WS     /ws/room/:id    - Join a room (?peer_id=...)")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	if cfg.MDNSEnabled {
		port, err := cfg.Port()
		if err != nil {
			log.Printf("⚠️  mDNS disabled: %v", err)
		} else {
			hostname, _ := os.Hostname()
			mdns, err := discovery.Advertise(fmt.Sprintf("roomsync-%s", hostname), port)
			if err != nil {
				log.Printf("⚠️  %v", err)
			} else {
				defer mdns.Shutdown()
			}
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Closes every room connection; hijacked websockets are not covered by
	// server.Shutdown
	sessionManager.Shutdown()

	log.Println("✓ Server shutdown complete")
}
