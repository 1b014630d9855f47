package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/pulsemetrics/pulsegate/internal/handlers"
	"github.com/pulsemetrics/pulsegate/internal/ratelimit"
	"github.com/pulsemetrics/pulsegate/internal/repository"
	"github.com/pulsemetrics/pulsegate/internal/server"
	"github.com/pulsemetrics/pulsegate/internal/service"
	"github.com/pulsemetrics/pulsegate/internal/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		if err := runMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			return err
		}
	}

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer repo.Close()

	wsLimiter, ipLimiter, err := buildLimiters()
	if err != nil {
		return err
	}
	defer wsLimiter.Close()
	defer ipLimiter.Close()

	verifier := token.NewVerifier(repo, cfg.Token.EnforceOrigin, logger.Logger)

	var trigger service.EnrichTrigger
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()
		trigger = service.NewNATSEnrichTrigger(nc)
	}

	svc := service.NewIngestService(repo, trigger, logger)
	svc.AllowAnonymousSession = cfg.Ingestion.AllowAnonymousSession

	limits := ratelimit.Limits{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
		BurstSize:   cfg.RateLimit.BurstSize,
		BurstWindow: cfg.RateLimit.BurstWindow,
	}

	ingestHandler := handlers.NewIngestHandler(
		svc, verifier, wsLimiter, ipLimiter, limits,
		int64(cfg.Ingestion.MaxEventSize), logger,
	)
	opsHandler := handlers.NewOpsHandler(repo, logger)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.ReadyCheck{
		"postgres": repo.Ping,
	})

	if cfg.Token.ServiceSecret == "" {
		logger.Warn("token.service_secret is not set; operational API will reject all requests")
	}
	serviceTokens := token.NewServiceTokens(cfg.Token.ServiceSecret, cfg.Token.ServiceTTL)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(ingestHandler, opsHandler, healthHandler, serviceTokens),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingestion server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// buildLimiters returns the workspace limiter and the
// reputation-wrapped IP limiter for the configured backend.
func buildLimiters() (ratelimit.Limiter, ratelimit.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		return ratelimit.NoOpLimiter{}, ratelimit.NoOpLimiter{}, nil
	}

	var base ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case "redis":
		rl, err := ratelimit.NewRedisLimiter(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis rate limiter: %w", err)
		}
		base = rl
	case "memory", "":
		base = ratelimit.NewMemoryLimiter()
	default:
		return nil, nil, fmt.Errorf("unknown ratelimit backend %q", cfg.RateLimit.Backend)
	}

	var ipSide ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if cfg.RateLimit.Reputation {
		ipSide = ratelimit.NewReputationLimiter(ipSide)
	}
	return base, ipSide, nil
}
