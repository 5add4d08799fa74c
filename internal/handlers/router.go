package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/fx"

	"github.com/pointdeck/backend/internal/config"
	"github.com/pointdeck/backend/internal/middleware"
	ws "github.com/pointdeck/backend/internal/websocket"
)

var RouterModule = fx.Module("router",
	fx.Provide(NewRouter),
)

var ServerModule = fx.Module("server",
	fx.Invoke(StartServer),
)

// NewRouter creates and configures the chi router.
func NewRouter(cfg *config.Config, wsHandler *WebSocketHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SlogLogger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// WebSocket endpoint. No timeout middleware here: the connection is
	// long-lived and hijacked out of the HTTP server.
	r.Get("/ws/room/{roomId}", wsHandler.HandleConnection)

	return r
}

// StartServer starts the HTTP server with lifecycle management. Shutdown
// drains: new upgrades are refused, every room hears server.shutdown.v1,
// and the gateway waits up to the drain timeout before forcing closes.
func StartServer(lc fx.Lifecycle, cfg *config.Config, router *chi.Mux, hub *ws.Hub, wsHandler *WebSocketHandler) {
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				slog.Info("server starting", "port", cfg.Port)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			slog.Info("shutting down server...")
			wsHandler.StopAccepting()
			hub.Drain(cfg.Limits.DrainTimeout)
			return srv.Shutdown(ctx)
		},
	})
}
