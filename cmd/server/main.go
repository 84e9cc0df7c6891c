package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/application"
	"vn.io.arda/notification-delivery/internal/cache"
	"vn.io.arda/notification-delivery/internal/config"
	"vn.io.arda/notification-delivery/internal/connection"
	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/bolt"
	"vn.io.arda/notification-delivery/internal/infrastructure/kafka"
	"vn.io.arda/notification-delivery/internal/infrastructure/memory"
	"vn.io.arda/notification-delivery/internal/infrastructure/postgres"
	"vn.io.arda/notification-delivery/internal/infrastructure/realtime"
	"vn.io.arda/notification-delivery/internal/maintenance"
	"vn.io.arda/notification-delivery/internal/polling"
	"vn.io.arda/notification-delivery/internal/reconnect"
	transporthttp "vn.io.arda/notification-delivery/internal/transport/http"
)

func main() {
	// ── Logging ──────────────────────────────────────────────────────────────
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// ── Config ───────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.Server.Env == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("env", cfg.Server.Env).
		Str("port", cfg.Server.Port).
		Str("transport", cfg.Transport.Driver).
		Msg("starting arda-notification-delivery")

	catalog, err := cfg.Catalog()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid topic catalog")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────────────
	var (
		pool  *pgxpool.Pool
		store domain.Store
		repo  *postgres.Store
	)
	if cfg.Database.Enabled {
		pool, err = pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
		repo = postgres.New(pool)
		store = repo
	} else {
		log.Warn().Msg("database disabled: no polling fallback, back-fill or read write-back")
	}

	// ── Push Transport ────────────────────────────────────────────────────────
	var transport domain.Transport
	switch cfg.Transport.Driver {
	case config.DriverPostgres:
		if cfg.Transport.Postgres.InstallTriggers {
			if err := postgres.InstallTriggers(ctx, pool, cfg.Transport.Postgres.Channel, cfg.Sources()); err != nil {
				log.Fatal().Err(err).Msg("failed to install change triggers")
			}
		}
		transport = postgres.NewTransport(pool, cfg.Transport.Postgres.Channel)
	case config.DriverKafka:
		transport, err = kafka.New(cfg.Transport.Kafka.Brokers, cfg.Transport.Kafka.Topics)
	case config.DriverWebsocket:
		transport, err = realtime.New(realtime.Options{
			URL:        cfg.Transport.Websocket.URL,
			Token:      cfg.Transport.Websocket.Token,
			Heartbeat:  cfg.Transport.Websocket.Heartbeat,
			AckTimeout: cfg.Transport.Websocket.AckTimeout,
		})
	case config.DriverMemory:
		transport = memory.NewTransport()
	}
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Transport.Driver).Msg("failed to create push transport")
	}

	// ── Cache Snapshots ───────────────────────────────────────────────────────
	var snapshots domain.SnapshotStore = memory.NewSnapshotStore()
	if cfg.Cache.Path != "" {
		db, err := bolt.Open(cfg.Cache.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Cache.Path).Msg("failed to open snapshot store")
		}
		defer db.Close()
		snapshots = db
		log.Info().Str("path", cfg.Cache.Path).Msg("cache snapshots persisted")
	}

	// ── Delivery Sessions ─────────────────────────────────────────────────────
	factory := func(key string) (*application.Service, error) {
		return application.New(application.Options{
			Catalog:   catalog,
			Transport: transport,
			Store:     store,
			Snapshots: snapshots,
			Cache: cache.Options{
				Capacity:  cfg.Cache.Capacity,
				Freshness: cfg.Cache.Freshness,
				Key:       cache.DefaultKey + ":" + key,
			},
			Reconnect: reconnect.Config{
				Base:        cfg.Reconnect.BaseDelay,
				Cap:         cfg.Reconnect.MaxDelay,
				MaxAttempts: cfg.Reconnect.MaxAttempts,
				Jitter:      cfg.Reconnect.Jitter,
			},
			Polling: polling.Config{
				Base:    cfg.Polling.BaseInterval,
				Max:     cfg.Polling.MaxInterval,
				Timeout: cfg.Polling.Timeout,
				Limit:   cfg.Polling.Limit,
			},
			Connection: connection.Config{
				OpenTimeout:    cfg.Transport.OpenTimeout,
				DialRate:       cfg.Transport.DialRate,
				DialBurst:      cfg.Transport.DialBurst,
				DisablePolling: !cfg.Polling.Enabled,
			},
			InitialLoadLimit: cfg.Sessions.InitialLoadLimit,
			ReloadOnConnect:  cfg.Sessions.ReloadOnConnect,
		})
	}

	hub := transporthttp.NewHub()
	sessions := transporthttp.NewPool(transporthttp.PoolOptions{
		Factory:  factory,
		Catalog:  catalog,
		Topics:   cfg.Sessions.Topics,
		Backfill: !cfg.Sessions.ReloadOnConnect,
		Hub:      hub,
	})

	// ── HTTP Server ───────────────────────────────────────────────────────────
	handler := transporthttp.NewHandler(sessions, hub)
	router := transporthttp.NewRouter(handler, cfg.Auth.JWTSecret)

	// ── Maintenance Jobs ──────────────────────────────────────────────────────
	jobs := maintenance.New(nil)
	if repo != nil && cfg.Maintenance.PurgeSchedule != "" {
		if err := jobs.AddPurge(cfg.Maintenance.PurgeSchedule, repo, cfg.Sources()); err != nil {
			log.Fatal().Err(err).Msg("invalid purge schedule")
		}
	}
	if err := jobs.AddReap(cfg.Maintenance.ReapSchedule, sessions, cfg.Sessions.IdleTimeout); err != nil {
		log.Fatal().Err(err).Msg("invalid reap schedule")
	}
	jobs.Start()

	// ── Start HTTP Server ─────────────────────────────────────────────────────
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := router.Start(":" + cfg.Server.Port); err != nil {
			log.Info().Msg("HTTP server stopped")
		}
	}()

	// ── Graceful Shutdown ─────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobs.Stop(shutdownCtx)
	sessions.Shutdown()
	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("arda-notification-delivery stopped")
}
