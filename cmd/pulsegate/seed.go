package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
	"github.com/pulsemetrics/pulsegate/internal/service"
	"github.com/pulsemetrics/pulsegate/internal/token"
)

var (
	seedWorkspaces int
	seedEndpoints  int
	seedEvents     int
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate the database with development fixtures",
	Long: `seed creates fake workspaces with signing keys, webhook endpoints
subscribed to a mix of event types, and a stream of tracking events.
It prints a valid ingestion token per workspace for manual testing.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().IntVar(&seedWorkspaces, "workspaces", 3, "number of workspaces to create")
	seedCmd.Flags().IntVar(&seedEndpoints, "endpoints", 2, "webhook endpoints per workspace")
	seedCmd.Flags().IntVar(&seedEvents, "events", 100, "tracking events per workspace")
}

var seedEventNames = []string{
	"page_view", "signup", "login", "purchase", "add_to_cart",
	"checkout_started", "trial_started", "subscription_cancelled",
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer repo.Close()

	for i := 0; i < seedWorkspaces; i++ {
		workspaceID := "ws_" + uuid.NewString()[:8]
		secret := base64.RawURLEncoding.EncodeToString([]byte(gofakeit.Password(true, true, true, false, false, 32)))

		if err := repo.CreateWorkspaceKey(ctx, &models.WorkspaceKey{
			WorkspaceID: workspaceID,
			Secret:      secret,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("create workspace key: %w", err)
		}

		for j := 0; j < seedEndpoints; j++ {
			types := seedEventNames[:rand.Intn(len(seedEventNames))]
			if err := repo.CreateEndpoint(ctx, &models.WebhookEndpoint{
				ID:            uuid.NewString(),
				TenantID:      workspaceID,
				URL:           fmt.Sprintf("https://%s/webhooks/pulsegate", gofakeit.DomainName()),
				SigningSecret: base64.RawURLEncoding.EncodeToString([]byte(gofakeit.Password(true, true, true, false, false, 32))),
				EventTypes:    types,
				Status:        models.EndpointActive,
				CreatedAt:     time.Now().UTC(),
				UpdatedAt:     time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("create endpoint: %w", err)
			}
		}

		if err := seedWorkspaceEvents(ctx, repo, workspaceID); err != nil {
			return err
		}

		tok, err := token.Mint(workspaceID, secret, "", 24*time.Hour)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		fmt.Printf("workspace %s\n  token: %s\n", workspaceID, tok)
	}

	logger.Info("seed complete",
		"workspaces", seedWorkspaces,
		"endpoints_per_workspace", seedEndpoints,
		"events_per_workspace", seedEvents,
	)
	return nil
}

func seedWorkspaceEvents(ctx context.Context, repo repository.Repository, workspaceID string) error {
	svc := service.NewIngestService(repo, nil, logger)

	for i := 0; i < seedEvents; i++ {
		req := &models.IngestRequest{
			Event:     gofakeit.RandomString(seedEventNames),
			TS:        time.Now().Add(-time.Duration(rand.Intn(86400)) * time.Second).Format(time.RFC3339),
			UserID:    "u_" + uuid.NewString()[:8],
			SessionID: "s_" + uuid.NewString()[:8],
			Page:      gofakeit.URL(),
			Referrer:  gofakeit.URL(),
			Campaign:  gofakeit.RandomString([]string{"", "spring_sale", "launch", "retarget"}),
			Metadata: map[string]interface{}{
				"plan":    gofakeit.RandomString([]string{"free", "pro", "team"}),
				"country": gofakeit.CountryAbr(),
			},
		}
		auth := &service.AuthContext{
			WorkspaceID: workspaceID,
			ClientIP:    gofakeit.IPv4Address(),
			UserAgent:   gofakeit.UserAgent(),
		}
		if _, err := svc.Ingest(ctx, req, auth); err != nil {
			return fmt.Errorf("seed event: %w", err)
		}
	}
	return nil
}
