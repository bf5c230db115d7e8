package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// ErrOtpNotFound is returned when a user has no unused code for a purpose.
var ErrOtpNotFound = errors.New("otp not found")

// ReplaceOtp invalidates prior unused codes for (user, purpose) and inserts code atomically.
func (r *PostgresRepository) ReplaceOtp(ctx context.Context, code *domain.OneTimeCode) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"UPDATE otp_codes SET used = TRUE WHERE user_id = $1 AND purpose = $2 AND used = FALSE",
		code.UserID, code.Purpose,
	); err != nil {
		return fmt.Errorf("failed to invalidate previous codes: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO otp_codes (user_id, purpose, code_hash, transaction_reference, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, code.UserID, code.Purpose, code.CodeHash, code.TransactionReference, code.CreatedAt, code.ExpiresAt).Scan(&code.ID)
	if err != nil {
		return fmt.Errorf("failed to insert otp: %w", err)
	}

	return tx.Commit(ctx)
}

// FindActiveOtp returns the newest unused code for (user, purpose).
func (r *PostgresRepository) FindActiveOtp(ctx context.Context, userID int64, purpose domain.OtpPurpose) (*domain.OneTimeCode, error) {
	var c domain.OneTimeCode
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, purpose, code_hash, transaction_reference, created_at, expires_at, used, attempts
		FROM otp_codes
		WHERE user_id = $1 AND purpose = $2 AND used = FALSE
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID, purpose).Scan(
		&c.ID, &c.UserID, &c.Purpose, &c.CodeHash, &c.TransactionReference,
		&c.CreatedAt, &c.ExpiresAt, &c.Used, &c.Attempts,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOtpNotFound
		}
		return nil, err
	}
	return &c, nil
}

// RegisterOtpAttempt counts one verification attempt against the cap.
func (r *PostgresRepository) RegisterOtpAttempt(ctx context.Context, codeID int64, maxAttempts int) (int, bool, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `
		UPDATE otp_codes
		SET attempts = attempts + 1
		WHERE id = $1 AND used = FALSE AND attempts < $2
		RETURNING attempts
	`, codeID, maxAttempts).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return attempts, true, nil
}

// ConsumeOtp marks a code used exactly once.
func (r *PostgresRepository) ConsumeOtp(ctx context.Context, codeID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, "UPDATE otp_codes SET used = TRUE WHERE id = $1 AND used = FALSE", codeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpiredOtps purges codes that are used or past expiry.
func (r *PostgresRepository) DeleteExpiredOtps(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM otp_codes WHERE used = TRUE OR expires_at < $1", now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
