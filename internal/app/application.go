package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"campushub/internal/api"
	"campushub/internal/config"
	"campushub/internal/engine"
	"campushub/internal/notify"
	"campushub/internal/presence"
	"campushub/internal/rooms"
	"campushub/internal/store"
	"campushub/internal/websocket"
	"campushub/pkg/interfaces"
)

// Application owns every component and their lifecycle.
// Construction order: Store → Presence → Rooms → Notify → Engine → WebSocket → API → HTTP
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	store      interfaces.Store
	registry   *presence.Registry
	engine     *engine.Engine
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	errCh    chan error
}

// NewApplication validates cfg and builds the component graph. The store is
// opened and migrated here; nothing listens until Start.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s, err := store.Open(context.Background(), cfg.Database.StoreConfig(), store.Options{
		Timeout: cfg.Database.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := presence.NewRegistry()
	resolver := rooms.NewResolver(s, logger)
	notifications := notify.NewService(s, registry, logger)

	eng := engine.New(s, registry, resolver, notifications, engine.Options{
		RatePerSecond:            cfg.Engine.RatePerSecond,
		Burst:                    cfg.Engine.Burst,
		TypingWindow:             cfg.Engine.TypingWindow,
		LegacyAdminAnnouncements: cfg.Engine.LegacyAdminAnnouncements,
	}, logger)

	wsHandler := websocket.NewHandler(eng, websocket.Options{
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		PongWait:        cfg.WebSocket.ReadTimeout,
		PingInterval:    cfg.WebSocket.PingInterval,
		SendBuffer:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
	}, logger)

	apiServer := api.NewServer(eng, notifications, s, http.HandlerFunc(wsHandler.HandleWebSocket),
		api.Options{CORSOrigins: cfg.HTTP.CORSOrigins}, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.With().Str("component", "app").Logger(),
		store:      s,
		registry:   registry,
		engine:     eng,
		apiServer:  apiServer,
		httpServer: httpServer,
		errCh:      make(chan error, 1),
	}, nil
}

// Start binds the configured address and serves in the background.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.serve(ctx, ln)
}

func (app *Application) serve(ctx context.Context, ln net.Listener) error {
	if err := ctx.Err(); err != nil {
		_ = ln.Close()
		return err
	}

	app.mu.Lock()
	if app.listener != nil {
		app.mu.Unlock()
		_ = ln.Close()
		return errors.New("application already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	app.listener = ln
	app.cancel = cancel
	app.done = make(chan struct{})
	app.mu.Unlock()

	go func() {
		defer close(app.done)
		app.engine.Run(runCtx)
	}()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("driver", app.config.Database.Driver).
		Msg("campushub started")
	return nil
}

// Err reports a fatal serving error after Start returned.
func (app *Application) Err() <-chan error {
	return app.errCh
}

// Stop shuts down in reverse order: HTTP → sessions → engine → store.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Upgraded connections are not tracked by http.Server.
	sessions := app.registry.AllSessions()
	for _, s := range sessions {
		_ = s.Close()
	}

	app.mu.Lock()
	cancel, done := app.cancel, app.done
	app.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	app.logger.Info().Int("sessions_closed", len(sessions)).Msg("shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound address once started, the configured one before.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
