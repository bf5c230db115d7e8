/**
 * @description
 * Limit Policy: decides whether a proposed movement fits an account's per-transaction limit,
 * its daily cumulative limit and, for money leaving the account, its minimum-balance floor.
 * Evaluate has no side effects; callers persist the returned daily total with Apply once the
 * movement is committed.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Money arithmetic.
 * - internal/domain: Account model and error taxonomy.
 */

package limits

import (
	"fmt"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Operation is the kind of movement being evaluated.
type Operation string

const (
	OperationDeposit  Operation = "deposit"
	OperationWithdraw Operation = "withdraw"
	OperationTransfer Operation = "transfer"
)

// debits reports whether the operation takes money out of the account.
func (o Operation) debits() bool {
	return o == OperationWithdraw || o == OperationTransfer
}

// Decision is the outcome of an allowed evaluation.
type Decision struct {
	// DailyTotal is the running total before this movement, after any day rollover.
	DailyTotal decimal.Decimal
	// NewDailyTotal is DailyTotal plus the evaluated amount.
	NewDailyTotal decimal.Decimal
	// ResetApplied is true when the stored total belonged to an earlier day.
	ResetApplied bool
	// Day is the calendar day the totals belong to.
	Day time.Time
}

// Money columns are NUMERIC(19,2).
const (
	MoneyPrecision = 19
	MoneyScale     = 2
)

// minExponent bounds how many decimal places are inspected before a value is refused outright.
const minExponent = -32

// ValidateAmount rejects amounts that are not positive or that the ledger cannot store exactly.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", domain.ErrInvalidAmount)
	}
	return ValidateMoney(amount)
}

// ValidateMoney rejects values with more than two decimal places or more integer digits than a
// money column holds. Postgres would otherwise round them on write.
func ValidateMoney(v decimal.Decimal) error {
	if !FitsNumeric(v, MoneyPrecision, MoneyScale) {
		return fmt.Errorf("%w: at most %d decimal places and %d integer digits",
			domain.ErrInvalidAmount, MoneyScale, MoneyPrecision-MoneyScale)
	}
	return nil
}

// FitsNumeric reports whether v is stored unchanged by a NUMERIC(precision, scale) column.
// Trailing zeros past the scale are accepted. The exponent is inspected before any rescaling
// so values such as 1e1000000000 are refused without expanding them.
func FitsNumeric(v decimal.Decimal, precision, scale int32) bool {
	exp := int64(v.Exponent())
	if exp < minExponent || coefficientDigits(v)+exp > int64(precision-scale) {
		return false
	}
	if exp >= -int64(scale) {
		return true
	}
	return v.Equal(v.Truncate(scale))
}

func coefficientDigits(v decimal.Decimal) int64 {
	c := v.Coefficient()
	return int64(len(c.Abs(c).String()))
}

// Evaluate checks amount against the account's limits as of now.
func Evaluate(acct *domain.Account, amount decimal.Decimal, op Operation, now time.Time) (Decision, error) {
	if err := ValidateAmount(amount); err != nil {
		return Decision{}, err
	}

	if amount.GreaterThan(acct.PerTransactionLimit) {
		return Decision{}, fmt.Errorf("%w: amount %s exceeds per-transaction limit %s",
			domain.ErrLimitExceeded, amount.StringFixed(2), acct.PerTransactionLimit.StringFixed(2))
	}

	today := CivilDate(now)
	decision := Decision{DailyTotal: acct.DailyTransactionTotal, Day: today}
	if CivilDate(acct.LastLimitResetDate).Before(today) {
		decision.DailyTotal = decimal.Zero
		decision.ResetApplied = true
	}
	decision.NewDailyTotal = decision.DailyTotal.Add(amount)

	if decision.NewDailyTotal.GreaterThan(acct.DailyTransactionLimit) {
		remaining := acct.DailyTransactionLimit.Sub(decision.DailyTotal)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return Decision{}, fmt.Errorf("%w: daily limit %s, remaining today %s",
			domain.ErrLimitExceeded, acct.DailyTransactionLimit.StringFixed(2), remaining.StringFixed(2))
	}

	if op.debits() && acct.Balance.Sub(amount).LessThan(acct.MinimumBalance) {
		return Decision{}, fmt.Errorf("%w: minimum balance %s",
			domain.ErrMinimumBalanceViolation, acct.MinimumBalance.StringFixed(2))
	}

	return decision, nil
}

// Apply records an allowed decision on the account.
func Apply(acct *domain.Account, d Decision) {
	acct.DailyTransactionTotal = d.NewDailyTotal
	acct.LastLimitResetDate = d.Day
}

// CivilDate truncates t to its calendar day, keeping the day t has in its own location.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
