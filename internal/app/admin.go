package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/bms/funds-service/internal/limits"
	"github.com/bms/funds-service/internal/metrics"
	"github.com/bms/funds-service/internal/store"
	"github.com/shopspring/decimal"
)

// FreezeAccount suspends money movement on an account.
func (s *Service) FreezeAccount(ctx context.Context, actor domain.Actor, accountID int64, reason string) (*domain.Account, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a reason is required to freeze an account", domain.ErrInvalidInput)
	}

	acct, err := s.changeStatus(ctx, accountID, func(acct *domain.Account) error {
		switch acct.Status {
		case domain.AccountStatusClosed:
			return domain.ErrAccountClosed
		case domain.AccountStatusFrozen:
			return domain.ErrAccountAlreadyFrozen
		}
		acct.Status = domain.AccountStatusFrozen
		acct.FrozenReason = ptrString(reason)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=app msg=\"account frozen\" account_id=%d by=%s", acct.ID, actor.Username)
	s.emit(ctx,
		s.notification(acct.OwnerUserID, "Account Frozen",
			fmt.Sprintf("Your account %s has been frozen. Reason: %s. Contact support for assistance.", acct.AccountNumber, reason),
			domain.NotificationSecurity, ptrInt64(acct.ID), nil),
		s.audit(actor, domain.AuditAccountFrozen,
			fmt.Sprintf("Froze account %s: %s", acct.AccountNumber, reason),
			domain.SeverityCritical, ptrInt64(acct.ID), nil),
	)
	return acct, nil
}

// UnfreezeAccount restores a frozen account to ACTIVE.
func (s *Service) UnfreezeAccount(ctx context.Context, actor domain.Actor, accountID int64) (*domain.Account, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}

	acct, err := s.changeStatus(ctx, accountID, func(acct *domain.Account) error {
		switch acct.Status {
		case domain.AccountStatusClosed:
			return domain.ErrAccountClosed
		case domain.AccountStatusActive:
			return domain.ErrAccountNotFrozen
		}
		acct.Status = domain.AccountStatusActive
		acct.FrozenReason = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=app msg=\"account unfrozen\" account_id=%d by=%s", acct.ID, actor.Username)
	s.emit(ctx,
		s.notification(acct.OwnerUserID, "Account Unfrozen",
			fmt.Sprintf("Your account %s is active again.", acct.AccountNumber),
			domain.NotificationAccount, ptrInt64(acct.ID), nil),
		s.audit(actor, domain.AuditAccountUnfrozen,
			fmt.Sprintf("Unfroze account %s", acct.AccountNumber),
			domain.SeverityWarning, ptrInt64(acct.ID), nil),
	)
	return acct, nil
}

// CloseAccount permanently closes an account with a zero balance.
func (s *Service) CloseAccount(ctx context.Context, actor domain.Actor, accountID int64, reason string) (*domain.Account, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Closed by administrator"
	}

	acct, err := s.changeStatus(ctx, accountID, func(acct *domain.Account) error {
		if acct.Status == domain.AccountStatusClosed {
			return domain.ErrAccountClosed
		}
		if !acct.Balance.IsZero() {
			return domain.ErrNonZeroBalance
		}
		acct.Status = domain.AccountStatusClosed
		acct.ClosedReason = ptrString(reason)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=app msg=\"account closed\" account_id=%d by=%s", acct.ID, actor.Username)
	s.emit(ctx,
		s.notification(acct.OwnerUserID, "Account Closed",
			fmt.Sprintf("Your account %s has been closed. Reason: %s.", acct.AccountNumber, reason),
			domain.NotificationAccount, ptrInt64(acct.ID), nil),
		s.audit(actor, domain.AuditAccountClosed,
			fmt.Sprintf("Closed account %s: %s", acct.AccountNumber, reason),
			domain.SeverityCritical, ptrInt64(acct.ID), nil),
	)
	return acct, nil
}

func (s *Service) changeStatus(ctx context.Context, accountID int64, mutate func(acct *domain.Account) error) (*domain.Account, error) {
	var updated *domain.Account
	err := s.repo.InTx(ctx, func(uow store.UnitOfWork) error {
		acct, err := uow.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := mutate(acct); err != nil {
			return err
		}
		if err := uow.SaveAccountStatus(ctx, acct); err != nil {
			return err
		}
		updated = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateAccountLimits replaces an account's daily, per-transaction and minimum-balance limits.
func (s *Service) UpdateAccountLimits(ctx context.Context, actor domain.Actor, accountID int64, newLimits domain.AccountLimits) (*domain.Account, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	if !newLimits.DailyTransactionLimit.IsPositive() || !newLimits.PerTransactionLimit.IsPositive() {
		return nil, fmt.Errorf("%w: limits must be greater than zero", domain.ErrInvalidInput)
	}
	if newLimits.MinimumBalance.IsNegative() {
		return nil, fmt.Errorf("%w: minimum balance cannot be negative", domain.ErrInvalidInput)
	}
	for _, value := range []decimal.Decimal{newLimits.DailyTransactionLimit, newLimits.PerTransactionLimit, newLimits.MinimumBalance} {
		if err := limits.ValidateMoney(value); err != nil {
			return nil, err
		}
	}
	if newLimits.PerTransactionLimit.GreaterThan(newLimits.DailyTransactionLimit) {
		return nil, fmt.Errorf("%w: per-transaction limit cannot exceed the daily limit", domain.ErrInvalidInput)
	}

	var updated *domain.Account
	err := s.repo.InTx(ctx, func(uow store.UnitOfWork) error {
		acct, err := uow.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.Status == domain.AccountStatusClosed {
			return domain.ErrAccountClosed
		}
		if acct.Balance.LessThan(newLimits.MinimumBalance) {
			return fmt.Errorf("%w: balance %s is below the requested minimum %s",
				domain.ErrMinimumBalanceViolation, formatAmount(acct.Balance), formatAmount(newLimits.MinimumBalance))
		}
		if err := uow.SaveAccountLimits(ctx, acct.ID, newLimits); err != nil {
			return err
		}
		acct.DailyTransactionLimit = newLimits.DailyTransactionLimit
		acct.PerTransactionLimit = newLimits.PerTransactionLimit
		acct.MinimumBalance = newLimits.MinimumBalance
		updated = acct
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=app msg=\"account limits updated\" account_id=%d by=%s", updated.ID, actor.Username)
	s.emit(ctx, s.audit(actor, domain.AuditLimitsUpdated,
		fmt.Sprintf("Set limits on %s: daily %s, per transaction %s, minimum balance %s",
			updated.AccountNumber,
			formatAmount(newLimits.DailyTransactionLimit),
			formatAmount(newLimits.PerTransactionLimit),
			formatAmount(newLimits.MinimumBalance)),
		domain.SeverityWarning, ptrInt64(updated.ID), nil))
	return updated, nil
}

// ListPendingTransactions returns ledger entries awaiting resolution, oldest first.
func (s *Service) ListPendingTransactions(ctx context.Context, actor domain.Actor, limit int) ([]domain.Transaction, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultSearchLimit
	}
	return s.repo.ListPendingTransactions(ctx, limit)
}

// ApproveTransaction settles a PENDING transfer without step-up verification. Both legs end
// APPROVED. If the source can no longer cover the transfer it is marked FAILED instead.
func (s *Service) ApproveTransaction(ctx context.Context, actor domain.Actor, transactionID int64, remarks string) (result *domain.TransferResult, err error) {
	started := time.Now()
	defer func() { s.observe(operationApprove, started, metrics.OutcomeSuccess, err) }()

	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	txn, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != domain.TransactionStatusPending {
		return nil, domain.ErrTransactionNotPending
	}
	if txn.Type != domain.TransactionTypeTransferOut {
		return nil, fmt.Errorf("%w: only pending transfers can be approved", domain.ErrInvalidInput)
	}
	settled, failed, err := s.settlePending(ctx, txn, domain.TransactionStatusApproved, strings.TrimSpace(remarks))
	if err != nil {
		return nil, err
	}
	if failed != nil {
		s.emit(ctx, s.failureEvents(actor, failed)...)
		return nil, failed.err
	}

	log.Printf("level=info component=app msg=\"transaction approved\" reference=%s by=%s", txn.ReferenceNumber, actor.Username)
	s.emit(ctx, s.settlementEvents(actor, settled, domain.AuditTransactionApproved)...)
	return settledResult(settled), nil
}

// RejectTransaction resolves a PENDING entry as REJECTED without moving money.
func (s *Service) RejectTransaction(ctx context.Context, actor domain.Actor, transactionID int64, remarks string) (*domain.Transaction, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	remarks = strings.TrimSpace(remarks)
	if remarks == "" {
		remarks = "Rejected by administrator"
	}

	var rejected *domain.Transaction
	err := s.repo.InTx(ctx, func(uow store.UnitOfWork) error {
		txn, err := uow.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status != domain.TransactionStatusPending {
			return domain.ErrTransactionNotPending
		}
		txn.Status = domain.TransactionStatusRejected
		txn.Remarks = ptrString(remarks)
		if err := uow.UpdateTransactionOutcome(ctx, txn); err != nil {
			return err
		}
		rejected = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=app msg=\"transaction rejected\" reference=%s by=%s", rejected.ReferenceNumber, actor.Username)
	events := []domain.OutboxEvent{s.audit(actor, domain.AuditTransactionRejected,
		fmt.Sprintf("Rejected %s %s of %s: %s", rejected.Type, rejected.ReferenceNumber, formatAmount(rejected.Amount), remarks),
		domain.SeverityWarning, ptrInt64(rejected.AccountID), ptrInt64(rejected.ID))}
	if acct, err := s.repo.FindAccountByID(ctx, rejected.AccountID); err == nil {
		events = append(events, s.notification(acct.OwnerUserID, "Transaction Rejected",
			fmt.Sprintf("Your %s of %s (reference %s) was rejected: %s. No money was moved.",
				describeType(rejected.Type), formatAmount(rejected.Amount), rejected.ReferenceNumber, remarks),
			domain.NotificationTransaction, ptrInt64(acct.ID), ptrInt64(rejected.ID)))
	}
	s.emit(ctx, events...)
	return rejected, nil
}
