package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bms/funds-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, account_number, account_holder_name, account_type, balance, status,
	daily_transaction_limit, per_transaction_limit, daily_transaction_total, last_limit_reset_date,
	minimum_balance, interest_rate, owner_user_id, frozen_reason, closed_reason, last_transaction_at,
	created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID,
		&a.AccountNumber,
		&a.HolderName,
		&a.AccountType,
		&a.Balance,
		&a.Status,
		&a.DailyTransactionLimit,
		&a.PerTransactionLimit,
		&a.DailyTransactionTotal,
		&a.LastLimitResetDate,
		&a.MinimumBalance,
		&a.InterestRate,
		&a.OwnerUserID,
		&a.FrozenReason,
		&a.ClosedReason,
		&a.LastTransactionAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]domain.Account, error) {
	defer rows.Close()
	accounts := make([]domain.Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// CreateAccount inserts acct and, when opening is set, its opening ledger entry in one transaction.
func (r *PostgresRepository) CreateAccount(ctx context.Context, acct *domain.Account, opening *domain.Transaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO accounts (
			account_number, account_holder_name, account_type, balance, status,
			daily_transaction_limit, per_transaction_limit, daily_transaction_total, last_limit_reset_date,
			minimum_balance, interest_rate, owner_user_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		acct.AccountNumber,
		acct.HolderName,
		acct.AccountType,
		acct.Balance,
		acct.Status,
		acct.DailyTransactionLimit,
		acct.PerTransactionLimit,
		acct.DailyTransactionTotal,
		acct.LastLimitResetDate,
		acct.MinimumBalance,
		acct.InterestRate,
		acct.OwnerUserID,
	).Scan(&acct.ID, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "accounts_account_number_key") {
			return ErrDuplicateAccountNumber
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	if opening != nil {
		opening.AccountID = acct.ID
		if err := insertTransaction(ctx, tx, opening); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindAccountByID retrieves an account without locking it.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
}

// FindAccountByNumber retrieves an account by its account number.
func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE account_number = $1", accountNumber))
}

// ListAccountsByOwner lists the accounts owned by a user.
func (r *PostgresRepository) ListAccountsByOwner(ctx context.Context, ownerUserID int64) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_user_id = $1 ORDER BY id", ownerUserID)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

// ListAccounts lists all accounts, newest first.
func (r *PostgresRepository) ListAccounts(ctx context.Context, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

// LockAccount uses FOR UPDATE to serialize writers on the account row.
func (u *postgresUnitOfWork) LockAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return scanAccount(u.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", accountID))
}

// LockAccountsInOrder locks rows one at a time in ascending id order so that two transfers
// touching the same pair in opposite directions cannot deadlock.
func (u *postgresUnitOfWork) LockAccountsInOrder(ctx context.Context, accountIDs ...int64) (map[int64]*domain.Account, error) {
	ids := make([]int64, 0, len(accountIDs))
	seen := make(map[int64]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked := make(map[int64]*domain.Account, len(ids))
	for _, id := range ids {
		acct, err := u.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = acct
	}
	return locked, nil
}

// SaveAccountBalance persists the balance and the daily-limit bookkeeping of acct.
func (u *postgresUnitOfWork) SaveAccountBalance(ctx context.Context, acct *domain.Account) error {
	tag, err := u.tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $1,
			daily_transaction_total = $2,
			last_limit_reset_date = $3,
			last_transaction_at = $4,
			updated_at = NOW()
		WHERE id = $5
	`, acct.Balance, acct.DailyTransactionTotal, acct.LastLimitResetDate, acct.LastTransactionAt, acct.ID)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// SaveAccountStatus persists status and the freeze/close reasons of acct.
func (u *postgresUnitOfWork) SaveAccountStatus(ctx context.Context, acct *domain.Account) error {
	tag, err := u.tx.Exec(ctx, `
		UPDATE accounts
		SET status = $1, frozen_reason = $2, closed_reason = $3, updated_at = NOW()
		WHERE id = $4
	`, acct.Status, acct.FrozenReason, acct.ClosedReason, acct.ID)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// SaveAccountLimits replaces the configurable limits of an account.
func (u *postgresUnitOfWork) SaveAccountLimits(ctx context.Context, accountID int64, limits domain.AccountLimits) error {
	tag, err := u.tx.Exec(ctx, `
		UPDATE accounts
		SET daily_transaction_limit = $1, per_transaction_limit = $2, minimum_balance = $3, updated_at = NOW()
		WHERE id = $4
	`, limits.DailyTransactionLimit, limits.PerTransactionLimit, limits.MinimumBalance, accountID)
	if err != nil {
		return fmt.Errorf("failed to update account limits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
