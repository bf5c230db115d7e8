package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bms/funds-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxPublished  = "published"

	maxOutboxErrorLength = 2000
)

// EnqueueEvents appends events to the outbox. The batch runs in one implicit transaction,
// so either every event is stored or none is.
func (r *PostgresRepository) EnqueueEvents(ctx context.Context, exchange string, events []domain.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	exchange = strings.TrimSpace(exchange)

	batch := &pgx.Batch{}
	for _, event := range events {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s event: %w", event.RoutingKey, err)
		}
		batch.Queue(
			`INSERT INTO event_outbox (exchange, routing_key, payload) VALUES ($1, $2, $3::jsonb)`,
			exchange, strings.TrimSpace(event.RoutingKey), string(payload),
		)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to enqueue outbox events: %w", err)
	}
	return nil
}

// ClaimOutboxMessages moves up to limit due messages to processing and returns them, oldest
// first. Messages left in processing for longer than staleAfterSeconds count as due again,
// which recovers rows claimed by a dispatcher that died mid-batch.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		UPDATE event_outbox AS o
		SET status = $3,
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		WHERE o.id IN (
			SELECT id FROM event_outbox
			WHERE (status = $4 AND next_attempt_at <= NOW())
			   OR (status = $3 AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`, limit, staleAfterSeconds, outboxProcessing, outboxPending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxMessage, error) {
		var (
			msg     OutboxMessage
			payload string
		)
		err := row.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payload, &msg.Attempts)
		msg.Payload = []byte(payload)
		return msg, err
	})
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	slices.SortFunc(messages, func(a, b OutboxMessage) int { return cmp.Compare(a.ID, b.ID) })
	return messages, nil
}

// MarkOutboxPublished records a successful publish.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = $2, published_at = NOW(), processing_started_at = NULL, last_error = NULL
		WHERE id = $1
	`, id, outboxPublished)
	return err
}

// MarkOutboxFailed returns a message to pending, due again after retryAfterSeconds.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > maxOutboxErrorLength {
		reason = reason[:maxOutboxErrorLength]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = $4,
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason, outboxPending)
	return err
}
