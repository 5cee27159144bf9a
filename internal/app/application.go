// Package app wires the service together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"gamerelay/internal/config"
	"gamerelay/internal/delivery"
	"gamerelay/internal/directory"
	"gamerelay/internal/fanout"
	"gamerelay/internal/lifecycle"
	"gamerelay/internal/router"
	"gamerelay/internal/server"
	"gamerelay/internal/store"
)

// Application coordinates all components. Initialization follows
// dependency order: store, directory, delivery, fan-out, router,
// lifecycle, HTTP.
type Application struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      *store.Manager
	redis      *redis.Client
	registry   *delivery.Registry
	router     *router.Router
	httpServer *http.Server
	janitorCtx context.Context
	janitorEnd context.CancelFunc
}

// New builds the application from configuration.
func New(cfg *config.Config, log zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.NewManager(cfg.Database.Path, log)
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	var (
		dir directory.Store
		rdb *redis.Client
	)
	if cfg.Redis.Enabled {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		dir = directory.NewRedisStore(rdb)
	} else {
		dir = directory.NewMemoryStore()
	}

	registry := delivery.NewRegistry()
	sender := delivery.NewLocalSender(registry)
	engine := fanout.NewEngine(dir, sender, log)
	rt := router.NewRouter(dir, engine, sender, st, log)
	lc := lifecycle.NewHandler(dir, log)

	wsHandler := server.NewHandler(registry, lc, rt, cfg.WebSocket, cfg.Auth.JWTSecret, log)
	api := server.NewAPI(st, dir, registry, log)

	mux := chi.NewRouter()
	mux.Get("/ws", wsHandler.ServeWS)
	mux.Mount("/", api.Routes())

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	janitorCtx, janitorEnd := context.WithCancel(context.Background())

	return &Application{
		cfg:        cfg,
		log:        log.With().Str("component", "app").Logger(),
		store:      st,
		redis:      rdb,
		registry:   registry,
		router:     rt,
		httpServer: httpServer,
		janitorCtx: janitorCtx,
		janitorEnd: janitorEnd,
	}, nil
}

// Start begins serving. It returns once the listener is up or the
// startup has failed.
func (a *Application) Start(ctx context.Context) error {
	a.log.Info().Str("addr", a.httpServer.Addr).Msg("starting")

	go a.janitor()

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		a.log.Info().Msg("started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// janitor periodically trims idle rate-limiter state.
func (a *Application) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.router.CleanupRateLimiter()
		case <-a.janitorCtx.Done():
			return
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP listener, live
// connections, store, redis.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info().Msg("shutting down")

	a.janitorEnd()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown")
	}

	a.registry.CloseAll()

	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store shutdown")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("redis shutdown")
		}
	}

	a.log.Info().Msg("shutdown complete")
	return nil
}

// Addr returns the configured listen address.
func (a *Application) Addr() string { return a.httpServer.Addr }
