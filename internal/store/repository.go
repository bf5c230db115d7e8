/**
 * @description
 * This file defines the persistence contracts of the funds-service. The engine talks to the
 * database only through these interfaces, which keeps the business logic independent of
 * PostgreSQL and lets tests substitute in-memory fakes.
 *
 * Every balance mutation happens inside InTx: the callback receives a UnitOfWork whose reads
 * take row locks, and either everything it wrote commits or nothing does.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/bms/funds-service/internal/domain"
)

// UnitOfWork is the store view available inside a database transaction.
type UnitOfWork interface {
	// LockAccount reads an account and holds its row lock until the unit of work ends.
	LockAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	// LockAccountsInOrder locks the given accounts in ascending id order.
	LockAccountsInOrder(ctx context.Context, accountIDs ...int64) (map[int64]*domain.Account, error)
	SaveAccountBalance(ctx context.Context, acct *domain.Account) error
	SaveAccountStatus(ctx context.Context, acct *domain.Account) error
	SaveAccountLimits(ctx context.Context, accountID int64, limits domain.AccountLimits) error

	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	LockTransaction(ctx context.Context, transactionID int64) (*domain.Transaction, error)
	LockTransactionByReference(ctx context.Context, reference string, txnType domain.TransactionType) (*domain.Transaction, error)
	UpdateTransactionOutcome(ctx context.Context, txn *domain.Transaction) error
}

// AccountStore covers reads and creation of accounts outside a unit of work.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct *domain.Account, opening *domain.Transaction) error
	FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error)
	FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerUserID int64) ([]domain.Account, error)
	ListAccounts(ctx context.Context, limit int) ([]domain.Account, error)
}

// LedgerStore covers ledger reads and the background expiry of pending transfers.
type LedgerStore interface {
	FindTransactionByID(ctx context.Context, transactionID int64) (*domain.Transaction, error)
	FindTransactionsByReference(ctx context.Context, reference string) ([]domain.Transaction, error)
	ListTransactions(ctx context.Context, query domain.HistoryQuery) ([]domain.Transaction, error)
	SearchTransactions(ctx context.Context, accountIDs []int64, term string, limit int) ([]domain.Transaction, error)
	TransactionStats(ctx context.Context, accountIDs []int64, from, to time.Time) (*domain.TransactionStats, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
	ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ExpirePendingTransfer(ctx context.Context, transactionID int64, remarks string) (bool, error)
}

// OtpStore persists one-time codes.
type OtpStore interface {
	// ReplaceOtp invalidates every unused code for (user, purpose) and stores code.
	ReplaceOtp(ctx context.Context, code *domain.OneTimeCode) error
	// FindActiveOtp returns the newest unused code for (user, purpose).
	FindActiveOtp(ctx context.Context, userID int64, purpose domain.OtpPurpose) (*domain.OneTimeCode, error)
	// RegisterOtpAttempt increments attempts while below maxAttempts; ok is false once exhausted or used.
	RegisterOtpAttempt(ctx context.Context, codeID int64, maxAttempts int) (attempts int, ok bool, err error)
	// ConsumeOtp marks an unused code used; it reports false if it was already used.
	ConsumeOtp(ctx context.Context, codeID int64) (bool, error)
	DeleteExpiredOtps(ctx context.Context, now time.Time) (int64, error)
}

// OutboxStore is the durable queue between committed state changes and RabbitMQ.
type OutboxStore interface {
	EnqueueEvents(ctx context.Context, exchange string, events []domain.OutboxEvent) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// AuditStore persists audit records.
type AuditStore interface {
	InsertAuditLog(ctx context.Context, event domain.AuditEvent) error
}

// NotificationStore persists and serves inbox notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, event domain.NotificationEvent) error
	ListNotifications(ctx context.Context, userID int64, limit int) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID int64, notificationID int64) error
}

// UserStore resolves identities.
type UserStore interface {
	FindUserByID(ctx context.Context, userID int64) (*domain.User, error)
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// Repository is the full set of persistence operations used by the service.
type Repository interface {
	AccountStore
	LedgerStore
	OtpStore
	OutboxStore
	AuditStore
	NotificationStore
	UserStore

	// InTx runs fn inside a database transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(uow UnitOfWork) error) error
}

// OutboxMessage is a claimed outbox row.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
