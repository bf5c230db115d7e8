package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, reference_number, transaction_type, account_id, counterparty_account_id,
	amount, balance_after, description, status, requires_otp, remarks, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID,
		&t.ReferenceNumber,
		&t.Type,
		&t.AccountID,
		&t.CounterpartyAccountID,
		&t.Amount,
		&t.BalanceAfter,
		&t.Description,
		&t.Status,
		&t.RequiresOtp,
		&t.Remarks,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	txns := make([]domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func insertTransaction(ctx context.Context, q queryer, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			reference_number, transaction_type, account_id, counterparty_account_id,
			amount, balance_after, description, status, requires_otp, remarks
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err := q.QueryRow(ctx, query,
		txn.ReferenceNumber,
		txn.Type,
		txn.AccountID,
		txn.CounterpartyAccountID,
		txn.Amount,
		txn.BalanceAfter,
		txn.Description,
		txn.Status,
		txn.RequiresOtp,
		txn.Remarks,
	).Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_transactions_reference_type") {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// InsertTransaction appends a ledger entry inside the unit of work.
func (u *postgresUnitOfWork) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	return insertTransaction(ctx, u.tx, txn)
}

// LockTransaction reads a ledger entry by id and locks it.
func (u *postgresUnitOfWork) LockTransaction(ctx context.Context, transactionID int64) (*domain.Transaction, error) {
	return scanTransaction(u.tx.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1 FOR UPDATE", transactionID))
}

// LockTransactionByReference reads one leg of a reference and locks it.
func (u *postgresUnitOfWork) LockTransactionByReference(ctx context.Context, reference string, txnType domain.TransactionType) (*domain.Transaction, error) {
	return scanTransaction(u.tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE reference_number = $1 AND transaction_type = $2 FOR UPDATE",
		reference, txnType,
	))
}

// UpdateTransactionOutcome resolves a PENDING entry. The status guard makes a second
// resolution of the same entry a no-op that reports ErrTransactionNotPending.
func (u *postgresUnitOfWork) UpdateTransactionOutcome(ctx context.Context, txn *domain.Transaction) error {
	tag, err := u.tx.Exec(ctx, `
		UPDATE transactions
		SET status = $1, balance_after = $2, description = $3, remarks = $4, updated_at = NOW()
		WHERE id = $5 AND status = 'PENDING'
	`, txn.Status, txn.BalanceAfter, txn.Description, txn.Remarks, txn.ID)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotPending
	}
	return nil
}

// FindTransactionByID retrieves a ledger entry by id.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID int64) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", transactionID))
}

// FindTransactionsByReference returns every leg sharing a reference number.
func (r *PostgresRepository) FindTransactionsByReference(ctx context.Context, reference string) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE reference_number = $1 ORDER BY id",
		strings.ToUpper(strings.TrimSpace(reference)),
	)
	if err != nil {
		return nil, err
	}
	txns, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, domain.ErrTransactionNotFound
	}
	return txns, nil
}

// ListTransactions returns the entries matching query, newest first. Only the criteria that
// are set become conditions.
func (r *PostgresRepository) ListTransactions(ctx context.Context, query domain.HistoryQuery) ([]domain.Transaction, error) {
	if len(query.AccountIDs) == 0 {
		return []domain.Transaction{}, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 200
	}

	conditions := []string{"account_id = ANY($1)"}
	args := []any{query.AccountIDs}
	where := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if !query.From.IsZero() {
		where("created_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		where("created_at < $%d", query.To)
	}
	if query.Type != "" {
		where("transaction_type = $%d", string(query.Type))
	}
	if query.Status != "" {
		where("status = $%d", string(query.Status))
	}
	if query.MinAmount.Valid {
		where("amount >= $%d", query.MinAmount.Decimal)
	}
	if query.MaxAmount.Valid {
		where("amount <= $%d", query.MaxAmount.Decimal)
	}
	args = append(args, limit)

	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM transactions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, transactionColumns, strings.Join(conditions, " AND "), len(args)), args...)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// SearchTransactions matches description or reference case-insensitively across accounts.
func (r *PostgresRepository) SearchTransactions(ctx context.Context, accountIDs []int64, term string, limit int) ([]domain.Transaction, error) {
	if len(accountIDs) == 0 {
		return []domain.Transaction{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + escapeLike(strings.TrimSpace(term)) + "%"
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = ANY($1)
		  AND (description ILIKE $2 OR reference_number ILIKE $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, accountIDs, pattern, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// TransactionStats aggregates settled entries of the given accounts in [from, to).
func (r *PostgresRepository) TransactionStats(ctx context.Context, accountIDs []int64, from, to time.Time) (*domain.TransactionStats, error) {
	stats := &domain.TransactionStats{
		TotalDebit:  decimal.Zero,
		TotalCredit: decimal.Zero,
		StartDate:   from,
		EndDate:     to,
	}
	if len(accountIDs) == 0 {
		return stats, nil
	}

	err := r.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE transaction_type IN ('WITHDRAW', 'TRANSFER_OUT')), 0),
			COALESCE(SUM(amount) FILTER (WHERE transaction_type IN ('DEPOSIT', 'TRANSFER_IN')), 0),
			COUNT(*)
		FROM transactions
		WHERE account_id = ANY($1)
		  AND status IN ('SUCCESS', 'APPROVED')
		  AND created_at >= $2 AND created_at < $3
	`, accountIDs, from, to).Scan(&stats.TotalDebit, &stats.TotalCredit, &stats.TotalCount)
	if err != nil {
		return nil, err
	}
	stats.NetAmount = stats.TotalCredit.Sub(stats.TotalDebit)
	return stats, nil
}

// ListPendingTransactions lists entries awaiting resolution, oldest first.
func (r *PostgresRepository) ListPendingTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE status = 'PENDING' ORDER BY created_at, id LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ListStalePendingTransfers finds PENDING transfer legs created before olderThan.
func (r *PostgresRepository) ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'PENDING' AND transaction_type = 'TRANSFER_OUT' AND created_at < $1
		ORDER BY created_at, id
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ExpirePendingTransfer marks a still-PENDING entry FAILED. It reports false if the entry
// was resolved concurrently.
func (r *PostgresRepository) ExpirePendingTransfer(ctx context.Context, transactionID int64, remarks string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET status = 'FAILED', remarks = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, transactionID, remarks)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
