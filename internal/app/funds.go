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

// Deposit credits amount to an account the actor owns.
func (s *Service) Deposit(ctx context.Context, actor domain.Actor, accountID int64, amount decimal.Decimal, description string) (txn *domain.Transaction, err error) {
	started := time.Now()
	defer func() { s.observe(operationDeposit, started, metrics.OutcomeSuccess, err) }()

	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := limits.ValidateAmount(amount); err != nil {
		return nil, err
	}

	var acct *domain.Account
	_, err = s.inTxWithReference(ctx, func(uow store.UnitOfWork, reference string) error {
		locked, err := s.lockMovableAccount(ctx, uow, actor, accountID)
		if err != nil {
			return err
		}

		now := s.businessNow()
		decision, err := limits.Evaluate(locked, amount, limits.OperationDeposit, now)
		if err != nil {
			return err
		}

		locked.Balance = locked.Balance.Add(amount)
		limits.Apply(locked, decision)
		locked.LastTransactionAt = &now
		if err := uow.SaveAccountBalance(ctx, locked); err != nil {
			return err
		}

		entry := &domain.Transaction{
			ReferenceNumber: reference,
			Type:            domain.TransactionTypeDeposit,
			AccountID:       locked.ID,
			Amount:          amount,
			BalanceAfter:    locked.Balance,
			Description:     defaultDescription(description, "Deposit"),
			Status:          domain.TransactionStatusSuccess,
		}
		if err := uow.InsertTransaction(ctx, entry); err != nil {
			return err
		}

		acct, txn = locked, entry
		return nil
	})
	if err != nil {
		log.Printf("level=info component=app msg=\"deposit rejected\" account_id=%d err=%v", accountID, err)
		return nil, err
	}

	log.Printf("level=info component=app msg=\"deposit completed\" account_id=%d reference=%s", acct.ID, txn.ReferenceNumber)
	events := []domain.OutboxEvent{
		s.notification(acct.OwnerUserID, "Deposit Successful",
			fmt.Sprintf("Your account %s has been credited with %s. New balance: %s.",
				acct.AccountNumber, formatAmount(amount), formatAmount(acct.Balance)),
			domain.NotificationTransaction, ptrInt64(acct.ID), ptrInt64(txn.ID)),
		s.audit(actor, domain.AuditDeposit,
			fmt.Sprintf("Deposited %s to account %s (reference %s)", formatAmount(amount), acct.AccountNumber, txn.ReferenceNumber),
			domain.SeverityInfo, ptrInt64(acct.ID), ptrInt64(txn.ID)),
	}
	s.emit(ctx, append(events, s.highValueAlert(acct, txn)...)...)
	return txn, nil
}

// Withdraw debits amount from an account the actor owns.
func (s *Service) Withdraw(ctx context.Context, actor domain.Actor, accountID int64, amount decimal.Decimal, description string) (txn *domain.Transaction, err error) {
	started := time.Now()
	defer func() { s.observe(operationWithdraw, started, metrics.OutcomeSuccess, err) }()

	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := limits.ValidateAmount(amount); err != nil {
		return nil, err
	}

	var acct *domain.Account
	_, err = s.inTxWithReference(ctx, func(uow store.UnitOfWork, reference string) error {
		locked, err := s.lockMovableAccount(ctx, uow, actor, accountID)
		if err != nil {
			return err
		}

		if locked.Balance.LessThan(amount) {
			return domain.ErrInsufficientBalance
		}
		now := s.businessNow()
		decision, err := limits.Evaluate(locked, amount, limits.OperationWithdraw, now)
		if err != nil {
			return err
		}

		locked.Balance = locked.Balance.Sub(amount)
		limits.Apply(locked, decision)
		locked.LastTransactionAt = &now
		if err := uow.SaveAccountBalance(ctx, locked); err != nil {
			return err
		}

		entry := &domain.Transaction{
			ReferenceNumber: reference,
			Type:            domain.TransactionTypeWithdraw,
			AccountID:       locked.ID,
			Amount:          amount,
			BalanceAfter:    locked.Balance,
			Description:     defaultDescription(description, "Withdrawal"),
			Status:          domain.TransactionStatusSuccess,
		}
		if err := uow.InsertTransaction(ctx, entry); err != nil {
			return err
		}

		acct, txn = locked, entry
		return nil
	})
	if err != nil {
		log.Printf("level=info component=app msg=\"withdrawal rejected\" account_id=%d err=%v", accountID, err)
		return nil, err
	}

	log.Printf("level=info component=app msg=\"withdrawal completed\" account_id=%d reference=%s", acct.ID, txn.ReferenceNumber)
	events := []domain.OutboxEvent{
		s.notification(acct.OwnerUserID, "Withdrawal Successful",
			fmt.Sprintf("%s has been debited from your account %s. New balance: %s.",
				formatAmount(amount), acct.AccountNumber, formatAmount(acct.Balance)),
			domain.NotificationTransaction, ptrInt64(acct.ID), ptrInt64(txn.ID)),
		s.audit(actor, domain.AuditWithdraw,
			fmt.Sprintf("Withdrew %s from account %s (reference %s)", formatAmount(amount), acct.AccountNumber, txn.ReferenceNumber),
			domain.SeverityInfo, ptrInt64(acct.ID), ptrInt64(txn.ID)),
	}
	s.emit(ctx, append(events, s.highValueAlert(acct, txn)...)...)
	return txn, nil
}

// lockMovableAccount locks an account and checks the actor may move money through it.
func (s *Service) lockMovableAccount(ctx context.Context, uow store.UnitOfWork, actor domain.Actor, accountID int64) (*domain.Account, error) {
	acct, err := uow.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := authorizeAccount(actor, acct); err != nil {
		return nil, err
	}
	if !acct.IsActive() {
		return nil, domain.ErrAccountNotActive
	}
	return acct, nil
}

func defaultDescription(description, fallback string) string {
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		return trimmed
	}
	return fallback
}
