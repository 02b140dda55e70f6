// Package app wires the relay's components together and owns their startup
// and shutdown order.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/internal/hub"
	"chatrelay/internal/router"
	"chatrelay/internal/session"
	"chatrelay/internal/websocket"
)

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	log        *zap.Logger
	sessions   *session.Registry
	registry   *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	httpServer *http.Server
}

// NewApplication builds the component graph. Initialization order follows
// the dependency chain: registries, then router, then hub, then transport
// and HTTP surface.
func NewApplication(cfg *config.Config, log *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sessions := session.NewRegistry()
	registry := websocket.NewRegistry(log)
	messageRouter := router.NewRouter(sessions, registry, log)
	messageHub := hub.NewHub(messageRouter, 1000, log)

	wsHandler := websocket.NewHandler(registry, messageHub, cfg.WebSocket, log)
	apiServer := api.NewServer(registry, sessions, cfg.Static.Dir, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        log,
		sessions:   sessions,
		registry:   registry,
		router:     messageRouter,
		hub:        messageHub,
		httpServer: httpServer,
	}, nil
}

// Start brings the relay up: hub first so events have somewhere to go, then
// the HTTP server. Returns once the server is accepting connections or has
// failed to bind.
func (app *Application) Start(ctx context.Context) error {
	app.log.Info("starting chatrelay", zap.String("addr", app.httpServer.Addr))

	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.hub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.log.Info("chatrelay started")
		return nil
	case <-ctx.Done():
		_ = app.hub.Stop()
		return ctx.Err()
	}
}

// Stop shuts the relay down in reverse dependency order: HTTP first so no
// new connections arrive, then the hub.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("shutting down chatrelay")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.Warn("HTTP server shutdown error", zap.Error(err))
	}

	if err := app.hub.Stop(); err != nil {
		app.log.Warn("hub shutdown error", zap.Error(err))
	}

	app.log.Info("chatrelay shutdown complete")
	return nil
}

// Addr returns the server address for external connections.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
