package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
)

// Config holds the OpenSearch connection and archival policy settings.
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
	Retention     time.Duration
	BatchSize     int
	BatchPause    time.Duration
	Interval      time.Duration
}

// DefaultConfig returns sensible defaults for delivery archival.
func DefaultConfig() Config {
	return Config{
		URL:           "https://localhost:9200",
		Username:      "admin",
		Password:      "admin",
		TLSSkipVerify: true,
		IndexPrefix:   "pulsegate-deliveries",
		Retention:     30 * 24 * time.Hour,
		BatchSize:     500,
		BatchPause:    250 * time.Millisecond,
		Interval:      time.Hour,
	}
}

// Archiver moves terminal deliveries out of Postgres and into dated
// OpenSearch indices so the hot table stays small.
type Archiver struct {
	osClient *opensearch.Client
	repo     repository.Repository
	cfg      Config
	logger   *logging.Logger
}

// New creates an Archiver backed by a direct OpenSearch client.
func New(cfg Config, repo repository.Repository, logger *logging.Logger) (*Archiver, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Archiver{
		osClient: client,
		repo:     repo,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Initialize verifies connectivity and installs the index template.
func (a *Archiver) Initialize(ctx context.Context) error {
	info, err := a.osClient.Info()
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	if err := a.createIndexTemplate(ctx); err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}

	a.logger.InfoContext(ctx, "archive store initialized", "index_prefix", a.cfg.IndexPrefix)
	return nil
}

// Run archives on the configured interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed", "error", err)
			}
		}
	}
}

// RunOnce archives every terminal delivery older than the retention
// window. Rows are indexed and deleted in paced sub-batches so a large
// backlog does not hold long transactions or saturate the cluster.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-a.cfg.Retention)
	total := 0

	for {
		batch, err := a.repo.ListTerminalDeliveriesBefore(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list terminal deliveries: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		indexed, err := a.indexBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("index deliveries: %w", err)
		}
		if indexed != len(batch) {
			// Do not delete rows that failed to index; retry next pass.
			return fmt.Errorf("indexed %d of %d deliveries", indexed, len(batch))
		}

		ids := make([]string, len(batch))
		for i, d := range batch {
			ids[i] = d.ID
		}
		deleted, err := a.repo.DeleteDeliveries(ctx, ids)
		if err != nil {
			return fmt.Errorf("delete archived deliveries: %w", err)
		}
		total += int(deleted)

		if len(batch) < a.cfg.BatchSize {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.BatchPause):
		}
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "archived deliveries", "count", total, "cutoff", cutoff)
	}
	return nil
}

func (a *Archiver) indexBatch(ctx context.Context, batch []*models.WebhookDelivery) (int, error) {
	indexName := a.indexFor(time.Now())

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client: a.osClient,
		Index:  indexName,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	// OnSuccess callbacks fire on the indexer's worker goroutines.
	var indexed atomic.Int64
	for _, d := range batch {
		data, err := json.Marshal(d)
		if err != nil {
			a.logger.WarnContext(ctx, "skipping unmarshalable delivery", "delivery_id", d.ID, "error", err)
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: d.ID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				indexed.Add(1)
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					a.logger.WarnContext(ctx, "bulk index item failed", "error", err)
				} else {
					a.logger.WarnContext(ctx, "bulk index item failed", "type", res.Error.Type, "reason", res.Error.Reason)
				}
			},
		})
		if err != nil {
			return int(indexed.Load()), fmt.Errorf("failed to add to bulk indexer: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return int(indexed.Load()), fmt.Errorf("bulk indexer close: %w", err)
	}
	return int(indexed.Load()), nil
}

func (a *Archiver) indexFor(t time.Time) string {
	return fmt.Sprintf("%s-%s", a.cfg.IndexPrefix, t.UTC().Format("2006.01.02"))
}

func (a *Archiver) createIndexTemplate(ctx context.Context) error {
	template := map[string]interface{}{
		"index_patterns": []string{a.cfg.IndexPrefix + "-*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   1,
				"number_of_replicas": 0,
				"codec":              "best_compression",
			},
			"mappings": map[string]interface{}{
				"dynamic": true,
				"properties": map[string]interface{}{
					"id":            map[string]interface{}{"type": "keyword"},
					"endpoint_id":   map[string]interface{}{"type": "keyword"},
					"event_type":    map[string]interface{}{"type": "keyword"},
					"status":        map[string]interface{}{"type": "keyword"},
					"attempt_count": map[string]interface{}{"type": "integer"},
					"retry_count":   map[string]interface{}{"type": "integer"},
					"response_code": map[string]interface{}{"type": "integer"},
					"error_message": map[string]interface{}{"type": "text"},
					"payload":       map[string]interface{}{"type": "object", "enabled": false},
					"next_retry_at": map[string]interface{}{"type": "date"},
					"delivered_at":  map[string]interface{}{"type": "date"},
					"created_at":    map[string]interface{}{"type": "date"},
					"updated_at":    map[string]interface{}{"type": "date"},
				},
			},
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := a.osClient.Indices.PutIndexTemplate(
		a.cfg.IndexPrefix+"-template",
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index template: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}
