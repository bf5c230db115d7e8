/**
 * @description
 * Account model for the funds-service. Money is always carried as shopspring/decimal
 * values; floats never touch a balance.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Arbitrary-precision fixed-point decimals.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE"
	AccountStatusFrozen AccountStatus = "FROZEN"
	AccountStatusClosed AccountStatus = "CLOSED"
)

// AccountNumberLength is the fixed length of an account number ("AC" + 10 digits).
const AccountNumberLength = 12

// Account mirrors a row of the accounts table.
type Account struct {
	ID                    int64               `json:"id"`
	AccountNumber         string              `json:"account_number"`
	HolderName            string              `json:"account_holder_name"`
	AccountType           string              `json:"account_type"`
	Balance               decimal.Decimal     `json:"balance"`
	Status                AccountStatus       `json:"status"`
	DailyTransactionLimit decimal.Decimal     `json:"daily_transaction_limit"`
	PerTransactionLimit   decimal.Decimal     `json:"per_transaction_limit"`
	DailyTransactionTotal decimal.Decimal     `json:"daily_transaction_total"`
	LastLimitResetDate    time.Time           `json:"last_limit_reset_date"`
	MinimumBalance        decimal.Decimal     `json:"minimum_balance"`
	InterestRate          decimal.NullDecimal `json:"interest_rate"`
	OwnerUserID           int64               `json:"owner_user_id"`
	FrozenReason          *string             `json:"frozen_reason,omitempty"`
	ClosedReason          *string             `json:"closed_reason,omitempty"`
	LastTransactionAt     *time.Time          `json:"last_transaction_at,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// IsActive reports whether money may move through the account.
func (a *Account) IsActive() bool {
	return a != nil && a.Status == AccountStatusActive
}

// OwnedBy reports whether userID owns the account.
func (a *Account) OwnedBy(userID int64) bool {
	return a != nil && a.OwnerUserID == userID
}

// AccountLimits groups the configurable per-account limits.
type AccountLimits struct {
	DailyTransactionLimit decimal.Decimal `json:"daily_transaction_limit"`
	PerTransactionLimit   decimal.Decimal `json:"per_transaction_limit"`
	MinimumBalance        decimal.Decimal `json:"minimum_balance"`
}

// CreateAccountRequest is the input for opening a new account.
type CreateAccountRequest struct {
	HolderName     string              `json:"account_holder_name"`
	AccountType    string              `json:"account_type"`
	InitialBalance decimal.Decimal     `json:"initial_balance"`
	InterestRate   decimal.NullDecimal `json:"interest_rate"`
}
