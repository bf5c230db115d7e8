package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// InsertAuditLog stores one audit record.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, event domain.AuditEvent) error {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	severity := event.Severity
	if severity == "" {
		severity = domain.SeverityInfo
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_logs (
			actor_username, action, details, client_ip, severity,
			related_account_id, related_transaction_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		strings.TrimSpace(event.ActorUsername),
		event.Action,
		event.Details,
		event.ClientIP,
		severity,
		event.RelatedAccountID,
		event.RelatedTransactionID,
		occurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// InsertNotification stores one inbox notification.
func (r *PostgresRepository) InsertNotification(ctx context.Context, event domain.NotificationEvent) error {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO notifications (
			user_id, title, message, category, related_account_id, related_transaction_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		event.UserID,
		event.Title,
		event.Message,
		event.Category,
		event.RelatedAccountID,
		event.RelatedTransactionID,
		occurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (r *PostgresRepository) ListNotifications(ctx context.Context, userID int64, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, title, message, category, is_read, related_account_id, related_transaction_id, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Notification, 0)
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.Title, &n.Message, &n.Category, &n.IsRead,
			&n.RelatedAccountID, &n.RelatedTransactionID, &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// MarkNotificationRead flags a notification owned by userID as read.
func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, userID int64, notificationID int64) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2",
		notificationID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

const userColumns = `id, btrim(username), email, full_name, role,
	(account_locked OR NOT enabled OR (account_locked_until IS NOT NULL AND account_locked_until > NOW()))`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Role, &u.Locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindUserByID resolves a user by id.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", userID))
}

// FindUserByUsername resolves a user by username, ignoring case and surrounding spaces.
func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(btrim(username)) = lower(btrim($1))",
		username,
	))
}
