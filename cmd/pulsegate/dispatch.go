package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/pulsemetrics/pulsegate/internal/archive"
	"github.com/pulsemetrics/pulsegate/internal/repository"
	"github.com/pulsemetrics/pulsegate/internal/webhook"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the webhook delivery worker",
	Long: `dispatch runs the delivery loop: pending deliveries are pulled in
batches, signed, POSTed to their endpoints, and retried with backoff.
With NATS enabled it also listens for notification events and fans
them out into pending deliveries. With OpenSearch enabled it archives
terminal deliveries out of the hot table.`,
	RunE: runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer repo.Close()

	worker := webhook.NewWorker(repo, webhook.Config{
		BatchSize:        cfg.Delivery.BatchSize,
		MaxConcurrent:    cfg.Delivery.MaxConcurrent,
		Timeout:          cfg.Delivery.Timeout,
		InCallRetries:    cfg.Delivery.InCallRetries,
		RetryCeiling:     cfg.Delivery.RetryCeiling,
		FailureThreshold: cfg.Delivery.FailureThreshold,
		BaseDelay:        cfg.Delivery.BaseDelay,
		MaxDelay:         cfg.Delivery.MaxDelay,
		Interval:         cfg.Delivery.Interval,
	}, logger)

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()

		enqueuer := webhook.NewEnqueuer(repo, logger)
		if err := enqueuer.Subscribe(nc); err != nil {
			return fmt.Errorf("subscribe to notifications: %w", err)
		}
		defer enqueuer.Unsubscribe()
		logger.Info("notification enqueuer subscribed", "subject", webhook.NotificationSubject)
	}

	if cfg.OpenSearch.Enabled && cfg.Archive.Enabled {
		archCfg := archive.DefaultConfig()
		archCfg.URL = cfg.OpenSearch.URL
		archCfg.Username = cfg.OpenSearch.Username
		archCfg.Password = cfg.OpenSearch.Password
		archCfg.TLSSkipVerify = cfg.OpenSearch.TLSSkipVerify
		archCfg.IndexPrefix = cfg.OpenSearch.IndexPrefix + "-deliveries"
		archCfg.Retention = cfg.Archive.Retention
		archCfg.BatchSize = cfg.Archive.BatchSize
		archCfg.BatchPause = cfg.Archive.PauseBetween
		archCfg.Interval = cfg.Archive.Interval

		archiver, err := archive.New(archCfg, repo, logger)
		if err != nil {
			return fmt.Errorf("create archiver: %w", err)
		}
		if err := archiver.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize archiver: %w", err)
		}
		go archiver.Run(ctx)
	}

	worker.Run(ctx)
	logger.Info("delivery worker stopped")
	return nil
}
