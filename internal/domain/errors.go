/**
 * @description
 * Error taxonomy shared by the engine, the stores and the API layer. Every failure the
 * funds-movement core can surface belongs to exactly one Kind, and each specific failure is
 * a sentinel so callers can match either the precise reason or the broad category with
 * errors.Is, even after fmt.Errorf wrapping.
 */

package domain

import "errors"

// Kind is the broad category of a domain failure.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindValidation          Kind = "validation"
	KindPolicyViolation     Kind = "policy_violation"
	KindAuthorizationDenied Kind = "authorization_denied"
	KindConflictState       Kind = "conflict_state"
	KindStepUpFailed        Kind = "step_up_failed"
)

func (k Kind) Error() string { return string(k) }

// Error is a specific domain failure. It unwraps to its Kind.
type Error struct {
	kind    Kind
	code    string
	message string
}

func newError(kind Kind, code, message string) *Error {
	return &Error{kind: kind, code: code, message: message}
}

func (e *Error) Error() string { return e.message }

// Unwrap exposes the kind so errors.Is(err, KindX) matches.
func (e *Error) Unwrap() error { return e.kind }

// Kind returns the category of the failure.
func (e *Error) Kind() Kind { return e.kind }

// Code is a stable machine-readable identifier, e.g. "insufficient_balance".
func (e *Error) Code() string { return e.code }

var (
	ErrAccountNotFound      = newError(KindNotFound, "account_not_found", "account not found")
	ErrTransactionNotFound  = newError(KindNotFound, "transaction_not_found", "transaction not found")
	ErrUserNotFound         = newError(KindNotFound, "user_not_found", "user not found")
	ErrNotificationNotFound = newError(KindNotFound, "notification_not_found", "notification not found")

	ErrInvalidAmount = newError(KindValidation, "invalid_amount", "invalid amount")
	ErrSameAccount   = newError(KindValidation, "same_account", "cannot transfer to the same account")
	ErrInvalidInput  = newError(KindValidation, "invalid_input", "invalid input")

	ErrAccountNotActive        = newError(KindPolicyViolation, "account_not_active", "account is not active")
	ErrLimitExceeded           = newError(KindPolicyViolation, "limit_exceeded", "transaction limit exceeded")
	ErrInsufficientBalance     = newError(KindPolicyViolation, "insufficient_balance", "insufficient balance")
	ErrMinimumBalanceViolation = newError(KindPolicyViolation, "minimum_balance_violation", "operation would breach the minimum balance")
	ErrNonZeroBalance          = newError(KindPolicyViolation, "non_zero_balance", "account balance must be zero before closing")

	ErrNotOwner      = newError(KindAuthorizationDenied, "not_owner", "account does not belong to the acting user")
	ErrActorLocked   = newError(KindAuthorizationDenied, "actor_locked", "user account is locked")
	ErrNotPrivileged = newError(KindAuthorizationDenied, "not_privileged", "operation requires administrative privileges")

	ErrTransactionNotPending = newError(KindConflictState, "transaction_not_pending", "transaction is not pending")
	ErrAccountAlreadyFrozen  = newError(KindConflictState, "account_already_frozen", "account is already frozen")
	ErrAccountNotFrozen      = newError(KindConflictState, "account_not_frozen", "account is not frozen")
	ErrAccountClosed         = newError(KindConflictState, "account_closed", "account is closed")

	ErrInvalidOrExpiredOtp = newError(KindStepUpFailed, "invalid_or_expired_otp", "invalid or expired verification code")
)

// KindOf returns the kind of err, or "" when err is not a domain failure.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
