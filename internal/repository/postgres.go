package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsemetrics/pulsegate/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a connection pool and verifies it.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping reports store connectivity for the readiness endpoint.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) GetWorkspaceSecret(ctx context.Context, workspaceID string) (string, error) {
	var secret string
	err := r.pool.QueryRow(ctx,
		`SELECT secret FROM workspace_keys WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrWorkspaceKeyNotFound
		}
		return "", fmt.Errorf("failed to get workspace key: %w", err)
	}
	return secret, nil
}

func (r *PostgresRepository) CreateWorkspaceKey(ctx context.Context, key *models.WorkspaceKey) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workspace_keys (workspace_id, secret, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id) DO UPDATE SET secret = EXCLUDED.secret
	`, key.WorkspaceID, key.Secret, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workspace key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateEvent(ctx context.Context, event *models.TrackEvent) error {
	clickIDs, err := json.Marshal(event.ClickIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal click ids: %w", err)
	}
	properties, err := json.Marshal(event.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO track_events (
			id, workspace_id, user_id, session_id, event_name, occurred_at,
			url, referrer, user_agent, client_ip, click_ids, campaign,
			properties, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		event.ID, event.WorkspaceID, event.UserID, event.SessionID,
		event.EventName, event.OccurredAt, event.URL, event.Referrer,
		event.UserAgent, event.ClientIP, clickIDs, event.Campaign,
		properties, event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	ep := &models.WebhookEndpoint{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, url, signing_secret, event_types, status,
		       failure_count, last_delivery_at, created_at, updated_at
		FROM webhook_endpoints WHERE id = $1
	`, id).Scan(
		&ep.ID, &ep.TenantID, &ep.URL, &ep.SigningSecret, &ep.EventTypes,
		&ep.Status, &ep.FailureCount, &ep.LastDeliveryAt, &ep.CreatedAt,
		&ep.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEndpointNotFound
		}
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}
	return ep, nil
}

func (r *PostgresRepository) CreateEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_endpoints (
			id, tenant_id, url, signing_secret, event_types, status,
			failure_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		endpoint.ID, endpoint.TenantID, endpoint.URL, endpoint.SigningSecret,
		endpoint.EventTypes, endpoint.Status, endpoint.FailureCount,
		endpoint.CreatedAt, endpoint.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListEndpointsForEvent(ctx context.Context, tenantID, eventType string) ([]*models.WebhookEndpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, url, signing_secret, event_types, status,
		       failure_count, last_delivery_at, created_at, updated_at
		FROM webhook_endpoints
		WHERE tenant_id = $1
		  AND status = 'active'
		  AND (event_types = '{}' OR $2 = ANY(event_types))
		ORDER BY id
	`, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	return scanEndpoints(rows)
}

func (r *PostgresRepository) MarkEndpointDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_endpoints
		SET failure_count = 0, last_delivery_at = $2, updated_at = now()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark endpoint delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

func (r *PostgresRepository) IncrementEndpointFailure(ctx context.Context, id string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE webhook_endpoints
		SET failure_count = failure_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING failure_count
	`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrEndpointNotFound
		}
		return 0, fmt.Errorf("failed to increment endpoint failure: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) SetEndpointStatus(ctx context.Context, id, status string) error {
	query := `UPDATE webhook_endpoints SET status = $2, updated_at = now() WHERE id = $1`
	if status == models.EndpointActive {
		query = `UPDATE webhook_endpoints SET status = $2, failure_count = 0, updated_at = now() WHERE id = $1`
	}
	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to set endpoint status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (
			id, endpoint_id, event_type, payload, status, attempt_count,
			retry_count, next_retry_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		delivery.ID, delivery.EndpointID, delivery.EventType,
		[]byte(delivery.Payload), delivery.Status, delivery.AttemptCount,
		delivery.RetryCount, delivery.NextRetryAt, delivery.CreatedAt,
		delivery.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	d := &models.WebhookDelivery{}
	err := r.pool.QueryRow(ctx, deliverySelect+` WHERE id = $1`, id).Scan(deliveryFields(d)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

const deliverySelect = `
	SELECT id, endpoint_id, event_type, payload, status, attempt_count,
	       retry_count, next_retry_at, response_code, error_message,
	       delivered_at, created_at, updated_at
	FROM webhook_deliveries
`

func deliveryFields(d *models.WebhookDelivery) []interface{} {
	return []interface{}{
		&d.ID, &d.EndpointID, &d.EventType, &d.Payload, &d.Status,
		&d.AttemptCount, &d.RetryCount, &d.NextRetryAt, &d.ResponseCode,
		&d.ErrorMessage, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
	}
}

func (r *PostgresRepository) ListPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := r.pool.Query(ctx, deliverySelect+`
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (r *PostgresRepository) ListDeliveries(ctx context.Context, filter models.DeliveryFilter) ([]*models.WebhookDelivery, error) {
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if filter.Status != "" {
		whereClause += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.EndpointID != "" {
		whereClause += fmt.Sprintf(" AND endpoint_id = $%d", argPos)
		args = append(args, filter.EndpointID)
		argPos++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	whereClause += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, deliverySelect+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (r *PostgresRepository) UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, retry_count = $4,
		    next_retry_at = $5, response_code = $6, error_message = $7,
		    delivered_at = $8, updated_at = now()
		WHERE id = $1
	`,
		delivery.ID, delivery.Status, delivery.AttemptCount,
		delivery.RetryCount, delivery.NextRetryAt, delivery.ResponseCode,
		delivery.ErrorMessage, delivery.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_delivery_attempts (
			id, delivery_id, attempt, response_code, error, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`,
		attempt.ID, attempt.DeliveryID, attempt.Attempt,
		attempt.ResponseCode, attempt.Error, attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListTerminalDeliveriesBefore(ctx context.Context, before time.Time, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := r.pool.Query(ctx, deliverySelect+`
		WHERE status IN ('delivered', 'failed') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (r *PostgresRepository) DeleteDeliveries(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM webhook_deliveries WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func scanDeliveries(rows pgx.Rows) ([]*models.WebhookDelivery, error) {
	var out []*models.WebhookDelivery
	for rows.Next() {
		d := &models.WebhookDelivery{}
		if err := rows.Scan(deliveryFields(d)...); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries: %w", err)
	}
	return out, nil
}

func scanEndpoints(rows pgx.Rows) ([]*models.WebhookEndpoint, error) {
	var out []*models.WebhookEndpoint
	for rows.Next() {
		ep := &models.WebhookEndpoint{}
		if err := rows.Scan(
			&ep.ID, &ep.TenantID, &ep.URL, &ep.SigningSecret, &ep.EventTypes,
			&ep.Status, &ep.FailureCount, &ep.LastDeliveryAt, &ep.CreatedAt,
			&ep.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate endpoints: %w", err)
	}
	return out, nil
}
