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
	"github.com/bms/funds-service/internal/store"
	"github.com/shopspring/decimal"
)

const (
	defaultAccountType    = "SAVINGS"
	maxAccountNumberTries = 5
	defaultSearchLimit    = 100
	defaultInboxLimit     = 50
	maxListLimit          = 500

	// interest_rate is NUMERIC(7,4).
	interestRatePrecision = 7
	interestRateScale     = 4
)

// CreateAccount opens an account owned by the actor. A positive initial balance is recorded as
// a DEPOSIT ledger entry in the same unit of work as the account row.
func (s *Service) CreateAccount(ctx context.Context, actor domain.Actor, req domain.CreateAccountRequest) (*domain.Account, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	holder := strings.TrimSpace(req.HolderName)
	if holder == "" {
		return nil, fmt.Errorf("%w: account holder name is required", domain.ErrInvalidInput)
	}
	accountType := strings.ToUpper(strings.TrimSpace(req.AccountType))
	if accountType == "" {
		accountType = defaultAccountType
	}
	if req.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance cannot be negative", domain.ErrInvalidAmount)
	}
	if err := limits.ValidateMoney(req.InitialBalance); err != nil {
		return nil, err
	}
	if req.InitialBalance.LessThan(s.cfg.DefaultMinimumBalance) {
		return nil, fmt.Errorf("%w: opening balance must be at least %s",
			domain.ErrMinimumBalanceViolation, formatAmount(s.cfg.DefaultMinimumBalance))
	}
	if req.InterestRate.Valid {
		if req.InterestRate.Decimal.IsNegative() {
			return nil, fmt.Errorf("%w: interest rate cannot be negative", domain.ErrInvalidInput)
		}
		if !limits.FitsNumeric(req.InterestRate.Decimal, interestRatePrecision, interestRateScale) {
			return nil, fmt.Errorf("%w: interest rate allows at most %d decimal places", domain.ErrInvalidInput, interestRateScale)
		}
	}

	now := s.businessNow()
	var lastErr error
	for attempt := 0; attempt < maxAccountNumberTries; attempt++ {
		number, err := newAccountNumber()
		if err != nil {
			return nil, fmt.Errorf("failed to generate account number: %w", err)
		}

		acct := &domain.Account{
			AccountNumber:         number,
			HolderName:            holder,
			AccountType:           accountType,
			Balance:               req.InitialBalance,
			Status:                domain.AccountStatusActive,
			DailyTransactionLimit: s.cfg.DefaultDailyLimit,
			PerTransactionLimit:   s.cfg.DefaultPerTransactionLimit,
			DailyTransactionTotal: decimal.Zero,
			LastLimitResetDate:    limits.CivilDate(now),
			MinimumBalance:        s.cfg.DefaultMinimumBalance,
			InterestRate:          req.InterestRate,
			OwnerUserID:           actor.UserID,
		}

		var opening *domain.Transaction
		if req.InitialBalance.IsPositive() {
			acct.LastTransactionAt = &now
			opening = &domain.Transaction{
				ReferenceNumber: newReference(),
				Type:            domain.TransactionTypeDeposit,
				Amount:          req.InitialBalance,
				BalanceAfter:    req.InitialBalance,
				Description:     "Initial deposit",
				Status:          domain.TransactionStatusSuccess,
			}
		}

		err = s.repo.CreateAccount(ctx, acct, opening)
		if errors.Is(err, store.ErrDuplicateAccountNumber) || errors.Is(err, store.ErrDuplicateReference) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Printf("level=info component=app msg=\"account created\" account_id=%d owner_user_id=%d", acct.ID, actor.UserID)
		s.emit(ctx,
			s.notification(actor.UserID, "Account Created",
				fmt.Sprintf("Your %s account %s is open. Opening balance: %s.",
					strings.ToLower(accountType), acct.AccountNumber, formatAmount(acct.Balance)),
				domain.NotificationAccount, ptrInt64(acct.ID), nil),
			s.audit(actor, domain.AuditAccountCreated,
				fmt.Sprintf("Opened %s account %s for %s", accountType, acct.AccountNumber, holder),
				domain.SeverityInfo, ptrInt64(acct.ID), nil),
		)
		return acct, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique account number: %w", lastErr)
}

// GetAccount returns an account the actor owns, or any account for a privileged actor.
func (s *Service) GetAccount(ctx context.Context, actor domain.Actor, accountID int64) (*domain.Account, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	acct, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := authorizeAccount(actor, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// ListAccounts returns the actor's accounts; privileged actors see every account.
func (s *Service) ListAccounts(ctx context.Context, actor domain.Actor) ([]domain.Account, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if actor.IsPrivileged() {
		return s.repo.ListAccounts(ctx, maxListLimit)
	}
	return s.repo.ListAccountsByOwner(ctx, actor.UserID)
}

// ListTransactions returns an account's ledger entries created in [from, to).
func (s *Service) ListTransactions(ctx context.Context, actor domain.Actor, accountID int64, from, to time.Time) ([]domain.Transaction, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: end date is before start date", domain.ErrInvalidInput)
	}
	if _, err := s.GetAccount(ctx, actor, accountID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, domain.HistoryQuery{AccountIDs: []int64{accountID}, From: from, To: to, Limit: maxListLimit})
}

// FilterTransactions narrows ledger entries by account, type, status, amount and date. Without
// an account it searches every account the actor owns.
func (s *Service) FilterTransactions(ctx context.Context, actor domain.Actor, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	query := domain.HistoryQuery{
		Type:      domain.TransactionType(strings.ToUpper(strings.TrimSpace(string(filter.Type)))),
		Status:    domain.TransactionStatus(strings.ToUpper(strings.TrimSpace(string(filter.Status)))),
		MinAmount: filter.MinAmount,
		MaxAmount: filter.MaxAmount,
		From:      filter.StartDate,
		To:        filter.EndDate,
		Limit:     maxListLimit,
	}
	if query.Type != "" && !query.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction type %q", domain.ErrInvalidInput, filter.Type)
	}
	if query.Status != "" && !query.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction status %q", domain.ErrInvalidInput, filter.Status)
	}
	for _, bound := range []decimal.NullDecimal{query.MinAmount, query.MaxAmount} {
		if !bound.Valid {
			continue
		}
		if bound.Decimal.IsNegative() {
			return nil, fmt.Errorf("%w: amount bounds cannot be negative", domain.ErrInvalidInput)
		}
		if err := limits.ValidateMoney(bound.Decimal); err != nil {
			return nil, err
		}
	}
	if query.MinAmount.Valid && query.MaxAmount.Valid && query.MinAmount.Decimal.GreaterThan(query.MaxAmount.Decimal) {
		return nil, fmt.Errorf("%w: minimum amount is above maximum amount", domain.ErrInvalidInput)
	}
	if !query.From.IsZero() && !query.To.IsZero() && query.To.Before(query.From) {
		return nil, fmt.Errorf("%w: end date is before start date", domain.ErrInvalidInput)
	}

	if filter.AccountID != 0 {
		acct, err := s.GetAccount(ctx, actor, filter.AccountID)
		if err != nil {
			return nil, err
		}
		query.AccountIDs = []int64{acct.ID}
	} else {
		ids, err := s.ownedAccountIDs(ctx, actor)
		if err != nil {
			return nil, err
		}
		query.AccountIDs = ids
	}
	return s.repo.ListTransactions(ctx, query)
}

// SearchTransactions matches term against description or reference over the actor's accounts.
func (s *Service) SearchTransactions(ctx context.Context, actor domain.Actor, term string) ([]domain.Transaction, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("%w: search term is required", domain.ErrInvalidInput)
	}
	ids, err := s.ownedAccountIDs(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.repo.SearchTransactions(ctx, ids, term, defaultSearchLimit)
}

// GetTransactionByReference returns the legs of a reference that sit on the actor's accounts.
func (s *Service) GetTransactionByReference(ctx context.Context, actor domain.Actor, reference string) ([]domain.Transaction, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	reference = normalizeReference(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference number is required", domain.ErrInvalidInput)
	}
	legs, err := s.repo.FindTransactionsByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if actor.IsPrivileged() {
		return legs, nil
	}

	ids, err := s.ownedAccountIDs(ctx, actor)
	if err != nil {
		return nil, err
	}
	owned := make(map[int64]bool, len(ids))
	for _, id := range ids {
		owned[id] = true
	}
	visible := make([]domain.Transaction, 0, len(legs))
	for _, leg := range legs {
		if owned[leg.AccountID] {
			visible = append(visible, leg)
		}
	}
	if len(visible) == 0 {
		return nil, domain.ErrNotOwner
	}
	return visible, nil
}

// TransactionStats summarizes settled entries on the actor's accounts in [from, to).
func (s *Service) TransactionStats(ctx context.Context, actor domain.Actor, from, to time.Time) (*domain.TransactionStats, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.AddDate(0, -1, 0)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end date is before start date", domain.ErrInvalidInput)
	}
	ids, err := s.ownedAccountIDs(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.repo.TransactionStats(ctx, ids, from, to)
}

// ListNotifications returns the actor's inbox, newest first.
func (s *Service) ListNotifications(ctx context.Context, actor domain.Actor, limit int) ([]domain.Notification, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultInboxLimit
	}
	return s.repo.ListNotifications(ctx, actor.UserID, limit)
}

// MarkNotificationRead flags one of the actor's notifications as read.
func (s *Service) MarkNotificationRead(ctx context.Context, actor domain.Actor, notificationID int64) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	return s.repo.MarkNotificationRead(ctx, actor.UserID, notificationID)
}

func (s *Service) ownedAccountIDs(ctx context.Context, actor domain.Actor) ([]int64, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	accounts, err := s.repo.ListAccountsByOwner(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(accounts))
	for _, acct := range accounts {
		ids = append(ids, acct.ID)
	}
	return ids, nil
}
