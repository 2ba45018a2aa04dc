package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomchat/internal/api"
	"roomchat/internal/config"
	"roomchat/internal/database"
	"roomchat/internal/ratelimit"
	"roomchat/internal/room"
	"roomchat/internal/websocket"
	pkgdatabase "roomchat/pkg/database"
	"roomchat/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	logger      zerolog.Logger
	dbManager   *database.Manager
	redisClient *redis.Client
	memoryStore *ratelimit.MemoryStore
	limiter     interfaces.RateLimiter
	rooms       *room.Manager
	throttle    *api.Throttle
	apiServer   *api.Server
	httpServer  *http.Server
	listener    net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Limiter → Rooms → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg, logger: logger}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	// STEP 1: Room directory
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		app.cancel()
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.dbManager = dbManager

	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB()).ApplyMigrations(); err != nil {
		app.closeBackends()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info().Str("path", dbConfig.DatabasePath).Msg("database migrations applied")

	// STEP 2: Rate limiter backend
	resolver, err := app.buildLimiter()
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	// STEP 3: Rooms
	limiterLogger := logger.With().Str("component", "limiter_client").Logger()
	app.rooms = room.NewManager(room.ManagerOptions{
		Room: room.Options{
			NewLimiter: func(clientKey string, onError func(error)) room.Limiter {
				return ratelimit.NewClient(clientKey, resolver, onError,
					ratelimit.WithCallTimeout(cfg.RateLimit.CallTimeout),
					ratelimit.WithLogger(limiterLogger))
			},
			EventBuffer:       cfg.Room.EventBuffer,
			MaxBacklog:        cfg.Room.MaxBacklog,
			IdleTTL:           cfg.Room.IdleTTL,
			NotifyRateLimited: cfg.Room.NotifyRateLimited,
		},
		Directory: dbManager,
		Logger:    logger,
	})

	// STEP 4: WebSocket handler and API
	sockets := websocket.NewHandler(app.rooms, websocket.HandlerOptions{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
		MaxFrameSize: cfg.WebSocket.MaxFrameSize,
	}, logger)

	app.throttle = api.NewThrottle(cfg.Throttle.RequestsPerSecond, cfg.Throttle.Burst, cfg.Throttle.TTL)

	apiOpts := api.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Throttle:       app.throttle,
	}
	if cfg.RateLimit.Serve {
		apiOpts.LimiterHandler = ratelimit.NewHandler(app.limiter, logger).Routes()
	}
	app.apiServer = api.NewServer(app.rooms, dbManager, app.limiter, sockets, apiOpts, logger)

	// STEP 5: HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return app, nil
}

// buildLimiter selects the configured backend and returns the resolver
// session clients use to reach it
func (app *Application) buildLimiter() (ratelimit.Resolver, error) {
	cfg := app.config.RateLimit
	limiterOpts := []ratelimit.Option{
		ratelimit.WithIncrement(cfg.Increment),
		ratelimit.WithBurst(cfg.Burst),
	}

	switch cfg.Backend {
	case config.LimiterBackendMemory:
		app.memoryStore = ratelimit.NewMemoryStore()
		app.limiter = ratelimit.NewLimiter(app.memoryStore, limiterOpts...)
		return ratelimit.StaticResolver(app.limiter), nil

	case config.LimiterBackendRedis:
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     app.config.Redis.Addr,
			Password: app.config.Redis.Password,
			DB:       app.config.Redis.DB,
		})
		store := ratelimit.NewRedisStore(app.redisClient, app.config.Redis.Prefix)

		ctx, cancel := context.WithTimeout(app.ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			// sessions will fail over to a 1011 close until redis answers
			app.logger.Warn().Err(err).Str("addr", app.config.Redis.Addr).Msg("redis limiter unreachable at startup")
		}

		app.limiter = ratelimit.NewLimiter(store, limiterOpts...)
		return ratelimit.StaticResolver(app.limiter), nil

	case config.LimiterBackendRemote:
		app.limiter = ratelimit.NewRemoteService(cfg.RemoteURL, cfg.CallTimeout)
		// a fresh HTTP client per resolution drops any pooled connection to a dead peer
		return func(string) (interfaces.RateLimiter, error) {
			return ratelimit.NewRemoteService(cfg.RemoteURL, cfg.CallTimeout), nil
		}, nil
	}

	return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
}

// Start binds the listener and serves in the background
func (app *Application) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	if app.memoryStore != nil {
		app.memoryStore.StartJanitor(app.ctx, app.config.RateLimit.JanitorInterval)
	}
	app.throttle.StartJanitor(app.ctx, app.config.Throttle.TTL/2)

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	app.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("limiter", app.config.RateLimit.Backend).
		Msg("roomchat started")
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Rooms → Backends
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down roomchat")

	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	// STEP 2: Close every session with 1001 going away
	app.rooms.Stop()

	// STEP 3: Janitors, redis and the database
	if err := app.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	app.logger.Info().Msg("roomchat shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeBackends() error {
	app.cancel()

	var errs []error
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GetAddr returns the bound address once started, the configured one before
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP handler for in-process tests
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
