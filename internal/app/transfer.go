/**
 * @description
 * Two-phase transfers between accounts.
 *
 * Initiate validates both accounts and writes a PENDING TRANSFER_OUT entry holding the
 * prospective balance. Amounts at or below the step-up threshold settle in the same unit of
 * work; larger amounts stop there and a one-time code bound to the reference is issued.
 *
 * Complete (and admin approval) re-validates the source under row locks, then debits, credits,
 * resolves the TRANSFER_OUT entry and appends the matching TRANSFER_IN entry atomically. A
 * reference that is no longer PENDING can never settle again.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/bms/funds-service/internal/limits"
	"github.com/bms/funds-service/internal/metrics"
	"github.com/bms/funds-service/internal/store"
)

const (
	verificationRequiredMessage = "Verification required. Enter the code sent to your email to complete the transfer."
	transferCompletedMessage    = "Transfer completed successfully."
	staleTransferBatchSize      = 100
)

// settlement is the committed result of moving money for a transfer.
type settlement struct {
	out *domain.Transaction
	in  *domain.Transaction
	src *domain.Account
	dst *domain.Account
}

// InitiateTransfer starts a transfer from an account the actor owns.
func (s *Service) InitiateTransfer(ctx context.Context, actor domain.Actor, req domain.TransferRequest) (result *domain.TransferResult, err error) {
	started := time.Now()
	outcome := metrics.OutcomeSuccess
	defer func() { s.observe(operationTransferInitiate, started, outcome, err) }()

	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := limits.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	fromNumber := normalizeAccountNumber(req.FromAccountNumber)
	toNumber := normalizeAccountNumber(req.ToAccountNumber)
	if fromNumber == "" || toNumber == "" {
		return nil, fmt.Errorf("%w: source and destination account numbers are required", domain.ErrInvalidInput)
	}
	if fromNumber == toNumber {
		return nil, domain.ErrSameAccount
	}

	src, err := s.repo.FindAccountByNumber(ctx, fromNumber)
	if err != nil {
		return nil, err
	}
	dst, err := s.repo.FindAccountByNumber(ctx, toNumber)
	if err != nil {
		return nil, err
	}
	if src.ID == dst.ID {
		return nil, domain.ErrSameAccount
	}
	if err := authorizeAccount(actor, src); err != nil {
		return nil, err
	}

	requiresOtp := s.requiresStepUp(req.Amount)
	var (
		pending *domain.Transaction
		settled *settlement
	)
	reference, err := s.inTxWithReference(ctx, func(uow store.UnitOfWork, reference string) error {
		pending, settled = nil, nil

		accounts, err := uow.LockAccountsInOrder(ctx, src.ID, dst.ID)
		if err != nil {
			return err
		}
		lockedSrc, lockedDst := accounts[src.ID], accounts[dst.ID]

		now := s.businessNow()
		decision, err := transferBlocker(lockedSrc, lockedDst, req, now)
		if err != nil {
			return err
		}

		out := &domain.Transaction{
			ReferenceNumber:       reference,
			Type:                  domain.TransactionTypeTransferOut,
			AccountID:             lockedSrc.ID,
			CounterpartyAccountID: ptrInt64(lockedDst.ID),
			Amount:                req.Amount,
			BalanceAfter:          lockedSrc.Balance.Sub(req.Amount),
			Description:           defaultDescription(req.Description, "Transfer to "+lockedDst.AccountNumber),
			Status:                domain.TransactionStatusPending,
			RequiresOtp:           requiresOtp,
		}
		if err := uow.InsertTransaction(ctx, out); err != nil {
			return err
		}
		if requiresOtp {
			pending = out
			return nil
		}

		settled, err = s.settle(ctx, uow, out, lockedSrc, lockedDst, decision, domain.TransactionStatusSuccess, now)
		return err
	})
	if err != nil {
		log.Printf("level=info component=app msg=\"transfer rejected\" from=%s to=%s err=%v", fromNumber, toNumber, err)
		return nil, err
	}

	if pending != nil {
		outcome = metrics.OutcomePending
		if issueErr := s.gate.Issue(ctx, actor.UserID, domain.OtpPurposeTransaction, ptrString(reference)); issueErr != nil {
			log.Printf("level=warn component=app msg=\"failed to issue transfer otp; caller may resend\" reference=%s err=%v", reference, issueErr)
		}
		log.Printf("level=info component=app msg=\"transfer pending verification\" reference=%s amount=%s", reference, formatAmount(req.Amount))
		s.emit(ctx, s.audit(actor, domain.AuditTransferInitiated,
			fmt.Sprintf("Initiated transfer of %s from %s to %s (reference %s); verification required",
				formatAmount(req.Amount), fromNumber, toNumber, reference),
			domain.SeverityInfo, ptrInt64(src.ID), ptrInt64(pending.ID)))
		return &domain.TransferResult{
			ReferenceNumber:      reference,
			Status:               domain.TransactionStatusPending,
			VerificationRequired: true,
			Amount:               req.Amount,
			FromAccountNumber:    fromNumber,
			ToAccountNumber:      toNumber,
			BalanceAfter:         pending.BalanceAfter,
			Message:              verificationRequiredMessage,
		}, nil
	}

	log.Printf("level=info component=app msg=\"transfer completed\" reference=%s amount=%s", reference, formatAmount(req.Amount))
	s.emit(ctx, s.settlementEvents(actor, settled, domain.AuditTransferCompleted)...)
	return settledResult(settled), nil
}

// CompleteTransfer settles a PENDING transfer, verifying the one-time code if the transfer
// required one. Completing an already resolved reference fails with ErrTransactionNotPending.
func (s *Service) CompleteTransfer(ctx context.Context, actor domain.Actor, reference, otpCode string) (result *domain.TransferResult, err error) {
	started := time.Now()
	defer func() { s.observe(operationTransferComplete, started, metrics.OutcomeSuccess, err) }()

	if err := checkActor(actor); err != nil {
		return nil, err
	}
	reference = normalizeReference(reference)

	out, err := s.findTransferOut(ctx, reference)
	if err != nil {
		return nil, err
	}
	if out.Status != domain.TransactionStatusPending {
		return nil, domain.ErrTransactionNotPending
	}
	src, err := s.repo.FindAccountByID(ctx, out.AccountID)
	if err != nil {
		return nil, err
	}
	if err := authorizeAccount(actor, src); err != nil {
		return nil, err
	}

	if out.RequiresOtp {
		if strings.TrimSpace(otpCode) == "" {
			return nil, domain.ErrInvalidOrExpiredOtp
		}
		if !s.gate.Verify(ctx, actor.UserID, otpCode, domain.OtpPurposeTransaction, ptrString(reference)) {
			log.Printf("level=info component=app msg=\"transfer verification failed\" reference=%s", reference)
			return nil, domain.ErrInvalidOrExpiredOtp
		}
	}

	settled, failed, err := s.settlePending(ctx, out, domain.TransactionStatusSuccess, "")
	if err != nil {
		return nil, err
	}
	if failed != nil {
		log.Printf("level=info component=app msg=\"transfer failed at completion\" reference=%s err=%v", reference, failed.err)
		s.emit(ctx, s.failureEvents(actor, failed)...)
		return nil, failed.err
	}

	log.Printf("level=info component=app msg=\"transfer completed\" reference=%s", reference)
	s.emit(ctx, s.settlementEvents(actor, settled, domain.AuditTransferCompleted)...)
	return settledResult(settled), nil
}

// ResendTransferOtp issues a fresh code for a PENDING transfer; the previous code stops working.
func (s *Service) ResendTransferOtp(ctx context.Context, actor domain.Actor, reference string) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	reference = normalizeReference(reference)

	out, err := s.findTransferOut(ctx, reference)
	if err != nil {
		return err
	}
	src, err := s.repo.FindAccountByID(ctx, out.AccountID)
	if err != nil {
		return err
	}
	if !src.OwnedBy(actor.UserID) {
		return domain.ErrNotOwner
	}
	if out.Status != domain.TransactionStatusPending {
		return domain.ErrTransactionNotPending
	}
	if !out.RequiresOtp {
		return fmt.Errorf("%w: transfer %s does not require verification", domain.ErrInvalidInput, reference)
	}

	if err := s.gate.Issue(ctx, actor.UserID, domain.OtpPurposeTransaction, ptrString(reference)); err != nil {
		return fmt.Errorf("failed to issue verification code: %w", err)
	}
	log.Printf("level=info component=app msg=\"transfer otp re-issued\" reference=%s", reference)
	return nil
}

// ExpirePendingTransfers marks PENDING transfers older than the configured TTL as FAILED.
// It returns how many were expired.
func (s *Service) ExpirePendingTransfers(ctx context.Context) (int, error) {
	ttl := s.cfg.PendingTransferTTL
	cutoff := s.now().Add(-ttl)
	stale, err := s.repo.ListStalePendingTransfers(ctx, cutoff, staleTransferBatchSize)
	if err != nil {
		return 0, err
	}

	system := domain.SystemActor()
	remarks := fmt.Sprintf("Expired: verification not completed within %d minutes", int(ttl/time.Minute))
	expired := 0
	for i := range stale {
		txn := &stale[i]
		ok, err := s.repo.ExpirePendingTransfer(ctx, txn.ID, remarks)
		if err != nil {
			log.Printf("level=warn component=app msg=\"failed to expire pending transfer\" reference=%s err=%v", txn.ReferenceNumber, err)
			continue
		}
		if !ok {
			continue
		}
		expired++

		events := []domain.OutboxEvent{s.audit(system, domain.AuditTransferExpired,
			fmt.Sprintf("Transfer %s of %s expired awaiting verification", txn.ReferenceNumber, formatAmount(txn.Amount)),
			domain.SeverityInfo, ptrInt64(txn.AccountID), ptrInt64(txn.ID))}
		if acct, err := s.repo.FindAccountByID(ctx, txn.AccountID); err == nil {
			events = append(events, s.notification(acct.OwnerUserID, "Transfer Expired",
				fmt.Sprintf("Your transfer of %s (reference %s) expired before it was verified. No money was moved.",
					formatAmount(txn.Amount), txn.ReferenceNumber),
				domain.NotificationTransaction, ptrInt64(acct.ID), ptrInt64(txn.ID)))
		}
		s.emit(ctx, events...)
	}

	if expired > 0 {
		log.Printf("level=info component=app msg=\"expired pending transfers\" count=%d", expired)
	}
	return expired, nil
}

func (s *Service) findTransferOut(ctx context.Context, reference string) (*domain.Transaction, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: reference number is required", domain.ErrInvalidInput)
	}
	legs, err := s.repo.FindTransactionsByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	for i := range legs {
		if legs[i].Type == domain.TransactionTypeTransferOut {
			return &legs[i], nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

// failedSettlement describes a pending transfer that was resolved as FAILED.
type failedSettlement struct {
	out *domain.Transaction
	src *domain.Account
	err error
}

// settlePending settles a PENDING TRANSFER_OUT entry with the given final status. When the
// source no longer satisfies balance or policy checks the entry is committed as FAILED and
// returned in failed; err is reserved for conditions that leave the entry untouched.
// Non-empty remarks are recorded on both legs.
func (s *Service) settlePending(ctx context.Context, pendingOut *domain.Transaction, status domain.TransactionStatus, remarks string) (*settlement, *failedSettlement, error) {
	if pendingOut.CounterpartyAccountID == nil {
		return nil, nil, fmt.Errorf("transfer %s has no destination account", pendingOut.ReferenceNumber)
	}

	var (
		settled *settlement
		failed  *failedSettlement
	)
	err := s.repo.InTx(ctx, func(uow store.UnitOfWork) error {
		settled, failed = nil, nil

		accounts, err := uow.LockAccountsInOrder(ctx, pendingOut.AccountID, *pendingOut.CounterpartyAccountID)
		if err != nil {
			return err
		}
		out, err := uow.LockTransaction(ctx, pendingOut.ID)
		if err != nil {
			return err
		}
		if out.Status != domain.TransactionStatusPending {
			return domain.ErrTransactionNotPending
		}

		if remarks != "" {
			out.Remarks = ptrString(remarks)
		}

		src, dst := accounts[out.AccountID], accounts[*out.CounterpartyAccountID]
		now := s.businessNow()
		decision, blockErr := transferBlocker(src, dst, domain.TransferRequest{Amount: out.Amount}, now)
		if blockErr != nil {
			out.Status = domain.TransactionStatusFailed
			out.Remarks = ptrString(blockErr.Error())
			if err := uow.UpdateTransactionOutcome(ctx, out); err != nil {
				return err
			}
			failed = &failedSettlement{out: out, src: src, err: blockErr}
			return nil
		}

		settled, err = s.settle(ctx, uow, out, src, dst, decision, status, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return settled, failed, nil
}

// transferBlocker reports why src cannot currently send req.Amount to dst.
func transferBlocker(src, dst *domain.Account, req domain.TransferRequest, now time.Time) (limits.Decision, error) {
	if !src.IsActive() || !dst.IsActive() {
		return limits.Decision{}, domain.ErrAccountNotActive
	}
	if src.Balance.LessThan(req.Amount) {
		return limits.Decision{}, domain.ErrInsufficientBalance
	}
	return limits.Evaluate(src, req.Amount, limits.OperationTransfer, now)
}

// settle moves the money for out, which must be locked and PENDING, and appends the
// TRANSFER_IN entry. decision is the limit evaluation already made for src; both entries
// end in status.
func (s *Service) settle(
	ctx context.Context,
	uow store.UnitOfWork,
	out *domain.Transaction,
	src, dst *domain.Account,
	decision limits.Decision,
	status domain.TransactionStatus,
	now time.Time,
) (*settlement, error) {
	src.Balance = src.Balance.Sub(out.Amount)
	limits.Apply(src, decision)
	src.LastTransactionAt = &now
	dst.Balance = dst.Balance.Add(out.Amount)
	dst.LastTransactionAt = &now

	if err := uow.SaveAccountBalance(ctx, src); err != nil {
		return nil, err
	}
	if err := uow.SaveAccountBalance(ctx, dst); err != nil {
		return nil, err
	}

	out.Status = status
	out.BalanceAfter = src.Balance
	if err := uow.UpdateTransactionOutcome(ctx, out); err != nil {
		return nil, err
	}

	in := &domain.Transaction{
		ReferenceNumber:       out.ReferenceNumber,
		Type:                  domain.TransactionTypeTransferIn,
		AccountID:             dst.ID,
		CounterpartyAccountID: ptrInt64(src.ID),
		Amount:                out.Amount,
		BalanceAfter:          dst.Balance,
		Description:           "Transfer from " + src.AccountNumber,
		Status:                status,
		Remarks:               out.Remarks,
	}
	if err := uow.InsertTransaction(ctx, in); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			return nil, domain.ErrTransactionNotPending
		}
		return nil, err
	}

	return &settlement{out: out, in: in, src: src, dst: dst}, nil
}

func (s *Service) settlementEvents(actor domain.Actor, settled *settlement, action string) []domain.OutboxEvent {
	out, in := settled.out, settled.in
	events := []domain.OutboxEvent{
		s.notification(settled.src.OwnerUserID, "Transfer Successful",
			fmt.Sprintf("You sent %s to account %s (reference %s). New balance: %s.",
				formatAmount(out.Amount), settled.dst.AccountNumber, out.ReferenceNumber, formatAmount(settled.src.Balance)),
			domain.NotificationTransaction, ptrInt64(settled.src.ID), ptrInt64(out.ID)),
		s.notification(settled.dst.OwnerUserID, "Money Received",
			fmt.Sprintf("Your account %s received %s from account %s (reference %s). New balance: %s.",
				settled.dst.AccountNumber, formatAmount(in.Amount), settled.src.AccountNumber, in.ReferenceNumber, formatAmount(settled.dst.Balance)),
			domain.NotificationTransaction, ptrInt64(settled.dst.ID), ptrInt64(in.ID)),
		s.audit(actor, action,
			fmt.Sprintf("Transfer %s of %s from %s to %s settled as %s",
				out.ReferenceNumber, formatAmount(out.Amount), settled.src.AccountNumber, settled.dst.AccountNumber, out.Status),
			domain.SeverityInfo, ptrInt64(settled.src.ID), ptrInt64(out.ID)),
	}
	return append(events, s.highValueAlert(settled.src, out)...)
}

func (s *Service) failureEvents(actor domain.Actor, failed *failedSettlement) []domain.OutboxEvent {
	out := failed.out
	return []domain.OutboxEvent{
		s.notification(failed.src.OwnerUserID, "Transfer Failed",
			fmt.Sprintf("Your transfer of %s (reference %s) could not be completed: %s. No money was moved.",
				formatAmount(out.Amount), out.ReferenceNumber, failed.err.Error()),
			domain.NotificationTransaction, ptrInt64(failed.src.ID), ptrInt64(out.ID)),
		s.audit(actor, domain.AuditTransferFailed,
			fmt.Sprintf("Transfer %s of %s failed at settlement: %v", out.ReferenceNumber, formatAmount(out.Amount), failed.err),
			domain.SeverityWarning, ptrInt64(failed.src.ID), ptrInt64(out.ID)),
	}
}

func settledResult(settled *settlement) *domain.TransferResult {
	return &domain.TransferResult{
		ReferenceNumber:   settled.out.ReferenceNumber,
		Status:            settled.out.Status,
		Amount:            settled.out.Amount,
		FromAccountNumber: settled.src.AccountNumber,
		ToAccountNumber:   settled.dst.AccountNumber,
		BalanceAfter:      settled.src.Balance,
		Message:           transferCompletedMessage,
	}
}
