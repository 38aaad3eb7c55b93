package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clinicdesk/internal/authn"
	"clinicdesk/internal/cache"
	"clinicdesk/internal/config"
	"clinicdesk/internal/database"
	"clinicdesk/internal/events"
	"clinicdesk/internal/handlers"
	"clinicdesk/internal/identity"
	"clinicdesk/internal/jobs"
	"clinicdesk/internal/log"
	"clinicdesk/internal/metrics"
	"clinicdesk/internal/repository"
	"clinicdesk/internal/security"
	"clinicdesk/internal/server"
	"clinicdesk/internal/service"
	"clinicdesk/internal/tenant"
	"clinicdesk/internal/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, "api", cfg.Logging.Level)
	metrics.Register()

	ctx := context.Background()

	dbPool, err := database.NewPool(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	users := repository.NewUserRepository(dbPool)
	sessions := repository.NewSessionRepository(dbPool)
	catalog := repository.NewCatalogRepository(dbPool)

	tokens, err := security.NewTokenIssuer(cfg.Security.JWTSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("token issuer misconfigured")
	}

	gate := tenant.NewGate(catalog, tenant.WithTTL(cfg.Security.TenantCacheTTL))
	authenticator := authn.New(tokens, sessions, users, gate,
		authn.WithTenantPrefixes(cfg.Security.TenantPathPrefixes...),
	)

	publisher := events.NewRedisPublisher(redisClient, cfg.Audit.Stream)
	opts := []service.Option{
		service.WithPublisher(publisher),
		service.WithConfirmer(verification.NewRedisConfirmer(redisClient)),
		service.WithBcryptCost(cfg.Security.BcryptCost),
	}
	if cfg.Identity.Enabled {
		verifier, err := identity.NewVerifier(identity.Config{
			JWKSURL:        cfg.Identity.JWKSURL,
			UserInfoURL:    cfg.Identity.UserInfoURL,
			Issuers:        cfg.Identity.Issuers,
			ClientID:       cfg.Identity.ClientID,
			OpaquePrefixes: cfg.Identity.OpaquePrefixes,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("identity verifier misconfigured")
		}
		opts = append(opts, service.WithIdentityVerifier(verifier))
	}
	if masterKey := security.NewMasterKey(cfg.Security.MasterKeyHash); masterKey.Enabled() {
		logger.Warn().Msg("support master key is enabled")
		opts = append(opts, service.WithMasterKey(masterKey))
	}

	authService := service.NewAuthService(users, sessions, tokens, gate, logger, opts...)

	handlerSet := handlers.NewHandlerSet(logger, cfg, authService, authenticator, gate,
		handlers.HealthCheck{Name: "postgres", Ping: dbPool.Ping},
		handlers.HealthCheck{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}},
	)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	scheduler := jobs.NewScheduler(publisher, cfg.Audit.RollupCron, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, dbPool, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, db *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	scheduler.Stop(shutdownCtx)

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
