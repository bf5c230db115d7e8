/**
 * @description
 * Ledger entry model. A transfer is represented by two entries sharing one reference
 * number: a TRANSFER_OUT on the source account and a TRANSFER_IN on the destination.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType identifies the balance movement an entry records.
type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "DEPOSIT"
	TransactionTypeWithdraw    TransactionType = "WITHDRAW"
	TransactionTypeTransferOut TransactionType = "TRANSFER_OUT"
	TransactionTypeTransferIn  TransactionType = "TRANSFER_IN"
)

// IsDebit reports whether the entry takes money out of its account.
func (t TransactionType) IsDebit() bool {
	return t == TransactionTypeWithdraw || t == TransactionTypeTransferOut
}

// TransactionStatus is the state of a ledger entry.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "PENDING"
	TransactionStatusSuccess  TransactionStatus = "SUCCESS"
	TransactionStatusFailed   TransactionStatus = "FAILED"
	TransactionStatusApproved TransactionStatus = "APPROVED"
	TransactionStatusRejected TransactionStatus = "REJECTED"
)

// Valid reports whether t is one of the known entry types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdraw, TransactionTypeTransferOut, TransactionTypeTransferIn:
		return true
	}
	return false
}

// Valid reports whether s is one of the known entry states.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusSuccess, TransactionStatusFailed,
		TransactionStatusApproved, TransactionStatusRejected:
		return true
	}
	return false
}

// IsSettled reports whether the entry represents money that actually moved.
func (s TransactionStatus) IsSettled() bool {
	return s == TransactionStatusSuccess || s == TransactionStatusApproved
}

// ReferencePrefix starts every transaction reference number.
const ReferencePrefix = "TXN"

// Transaction mirrors a row of the transactions table.
type Transaction struct {
	ID                    int64             `json:"id"`
	ReferenceNumber       string            `json:"reference_number"`
	Type                  TransactionType   `json:"transaction_type"`
	AccountID             int64             `json:"account_id"`
	CounterpartyAccountID *int64            `json:"counterparty_account_id,omitempty"`
	Amount                decimal.Decimal   `json:"amount"`
	BalanceAfter          decimal.Decimal   `json:"balance_after"`
	Description           string            `json:"description"`
	Status                TransactionStatus `json:"status"`
	RequiresOtp           bool              `json:"requires_otp"`
	Remarks               *string           `json:"remarks,omitempty"`
	CreatedAt             time.Time         `json:"transaction_date"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// TransactionStats summarizes settled entries over a period.
type TransactionStats struct {
	TotalDebit  decimal.Decimal `json:"total_debit"`
	TotalCredit decimal.Decimal `json:"total_credit"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	TotalCount  int64           `json:"total_count"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
}

// TransferRequest is the input for initiating a transfer.
type TransferRequest struct {
	FromAccountNumber string          `json:"from_account_number"`
	ToAccountNumber   string          `json:"to_account_number"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
}

// TransferResult is returned by transfer initiation and completion.
type TransferResult struct {
	ReferenceNumber      string            `json:"reference_number"`
	Status               TransactionStatus `json:"status"`
	VerificationRequired bool              `json:"verification_required"`
	Amount               decimal.Decimal   `json:"amount"`
	FromAccountNumber    string            `json:"from_account_number"`
	ToAccountNumber      string            `json:"to_account_number"`
	BalanceAfter         decimal.Decimal   `json:"balance_after"`
	Message              string            `json:"message"`
}

// HistoryQuery selects ledger entries of the given accounts. Zero-valued criteria match everything.
type HistoryQuery struct {
	AccountIDs []int64
	Type       TransactionType
	Status     TransactionStatus
	MinAmount  decimal.NullDecimal
	MaxAmount  decimal.NullDecimal
	From       time.Time
	To         time.Time
	Limit      int
}

// TransactionFilter narrows a customer's history. A zero AccountID covers every account the
// caller owns; amount bounds are inclusive and EndDate is exclusive.
type TransactionFilter struct {
	AccountID int64               `json:"account_id"`
	Type      TransactionType     `json:"transaction_type"`
	Status    TransactionStatus   `json:"status"`
	MinAmount decimal.NullDecimal `json:"min_amount"`
	MaxAmount decimal.NullDecimal `json:"max_amount"`
	StartDate time.Time           `json:"start_date"`
	EndDate   time.Time           `json:"end_date"`
}
