package domain

import "time"

// OtpPurpose scopes a one-time code to the flow that requested it.
type OtpPurpose string

const (
	OtpPurposeLogin2FA      OtpPurpose = "LOGIN_2FA"
	OtpPurposeTransaction   OtpPurpose = "TRANSACTION"
	OtpPurposePasswordReset OtpPurpose = "PASSWORD_RESET"
)

// Valid reports whether p is a known purpose.
func (p OtpPurpose) Valid() bool {
	switch p {
	case OtpPurposeLogin2FA, OtpPurposeTransaction, OtpPurposePasswordReset:
		return true
	}
	return false
}

// OneTimeCode mirrors a row of the otp_codes table. Only a hash of the code is stored.
type OneTimeCode struct {
	ID                   int64
	UserID               int64
	Purpose              OtpPurpose
	CodeHash             string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	Used                 bool
	Attempts             int
	TransactionReference *string
}

// Expired reports whether the code is past its expiry at now.
func (c *OneTimeCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
