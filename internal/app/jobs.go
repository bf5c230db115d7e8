/**
 * @description
 * Scheduled maintenance jobs for the funds-service.
 */

package app

import (
	"context"
	"log/slog"
	"time"
)

const jobTimeout = 2 * time.Minute

// TransferExpirer resolves PENDING transfers that outlived their verification window.
type TransferExpirer interface {
	ExpirePendingTransfers(ctx context.Context) (int, error)
}

// OtpPurger deletes expired one-time codes.
type OtpPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	transfers TransferExpirer
	otps      OtpPurger
	logger    *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(transfers TransferExpirer, otps OtpPurger, logger *slog.Logger) *Jobs {
	return &Jobs{
		transfers: transfers,
		otps:      otps,
		logger:    logger,
	}
}

// ExpirePendingTransfers fails stale PENDING transfers.
func (j *Jobs) ExpirePendingTransfers() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	count, err := j.transfers.ExpirePendingTransfers(ctx)
	if err != nil {
		j.logger.Error("failed to expire pending transfers", "error", err)
		return
	}
	if count > 0 {
		j.logger.Info("pending transfer sweep finished", "expired", count)
	}
}

// PurgeExpiredOtps removes one-time codes past their expiry.
func (j *Jobs) PurgeExpiredOtps() {
	j.logger.Info("starting otp purge job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	deleted, err := j.otps.Purge(ctx)
	if err != nil {
		j.logger.Error("failed to purge expired otps", "error", err)
		return
	}

	j.logger.Info("otp purge job finished", "deleted", deleted)
}
