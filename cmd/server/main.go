// Collaboration server peer: relays edits between clients and holds a full
// replica of every room's document.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/kolabio/kolab/internal/api"
	"github.com/kolabio/kolab/internal/clock"
	"github.com/kolabio/kolab/internal/config"
	"github.com/kolabio/kolab/internal/middleware"
	"github.com/kolabio/kolab/internal/relay"
	"github.com/kolabio/kolab/internal/room"
)

const sweepInterval = 5 * time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "addr", cfg.Addr(), "max_rooms", cfg.MaxRooms, "grace_period", cfg.RoomGracePeriod)

	clk := clock.System()
	registry := room.NewRegistry(clk, cfg.RoomGracePeriod)
	sessions := room.NewSessionManager()
	rly := relay.New(registry, sessions, clk, cfg.MaxRooms)

	healthHandler := api.NewHandler(registry, rly.ServerPeerID(), clk)
	wsHandler := relay.NewHandler(rly, cfg.CORSOrigin)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS([]string{cfg.CORSOrigin}))

	healthHandler.RegisterRoutes(r)
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: 0, // websocket sessions are long-lived
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startIdleSweep(ctx, registry, cfg.RoomTimeout)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "server_peer_id", rly.ServerPeerID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		// Bind failures (port in use) land here and are fatal.
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// startIdleSweep periodically removes empty rooms that outlived the
// configured inactivity timeout, as a backstop to the grace-period timers.
func startIdleSweep(ctx context.Context, registry *room.Registry, timeout time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := registry.SweepIdle(timeout); removed > 0 {
					slog.Info("Idle room sweep completed", "removed", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
