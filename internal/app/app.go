// Package app wires the quadchat runtime: config, logging, stores, the REST
// surface, and the websocket gateway.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"quadchat/internal/auth"
	"quadchat/internal/chat"
	"quadchat/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the quadchat runtime: it owns HTTP server wiring and the realtime
// gateway dependencies.
type App struct {
	cfg Config
	log *slog.Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	svc *chat.Service
	api *chat.APIHandler
	ws  *realtime.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, dbPool, dbEnabled, convStore, msgStore, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewPasetoV4PublicManager(auth.Config{
		Issuer:               cfg.TokenIssuer,
		AccessTokenTTL:       cfg.TokenTTL,
		ClockSkew:            cfg.TokenClockSkew,
		PasetoV4SecretKeyHex: cfg.PasetoSecretHex,
	})
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}
	if cfg.PasetoSecretHex == "" {
		log.Warn("auth.ephemeral_keypair", "hint", "set QUADCHAT_PASETO_SECRET_HEX for stable tokens")
	}

	users, listings, notifier := newCollaborators(cfg, log)

	svc := chat.NewService(log, convStore, msgStore, users, listings, nil, notifier)

	ws, err := realtime.NewGateway(log, realtime.GatewayConfig{
		AllowedOrigins:    cfg.WSAllowedOrigins,
		DevInsecure:       cfg.WSDevInsecure,
		SendQueueSize:     cfg.WSSendQueueSize,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
	}, svc, tokens, users)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	// The gateway is the service's realtime side channel. Wiring it after
	// construction breaks the otherwise circular dependency.
	svc.SetEmitter(ws)

	apiHandler, err := chat.NewAPIHandler(log, svc, tokens)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		svc:       svc,
		api:       apiHandler,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api)

	handler := WithRequestID(WithRequestLogging(mux, a.log))

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStores decides between Postgres-backed persistence and the in-memory
// dev store.
func newStores(ctx context.Context, cfg Config, log *slog.Logger) (Store, *pgxpool.Pool, bool, chat.ConversationStore, chat.MessageStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := chat.NewMemoryStore()
		return nopStore{}, nil, false, mem, mem, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model: app owns the pool lifecycle, the store never closes it.
	pg, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool}, pool, true, pg, pg, nil
}

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// newCollaborators picks real marketplace clients when configured, or the
// permissive dev stand-ins otherwise.
func newCollaborators(cfg Config, log *slog.Logger) (chat.UserDirectory, chat.ListingCatalog, chat.Notifier) {
	if cfg.DirectoryBaseURL == "" {
		log.Warn("collaborators.dev_standins", "hint", "set QUADCHAT_DIRECTORY_URL to enforce user and listing existence")
		return openDirectory{}, openDirectory{}, logNotifier{log: log}
	}

	mc := newMarketplaceClient(cfg.DirectoryBaseURL, cfg.NotificationsBaseURL)

	var notifier chat.Notifier = mc
	if cfg.NotificationsBaseURL == "" {
		notifier = logNotifier{log: log}
	}
	return mc, mc, notifier
}
