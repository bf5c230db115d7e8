package app

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/bms/funds-service/internal/domain"
	"github.com/google/uuid"
)

const accountNumberPrefix = "AC"

// newReference returns "TXN" followed by eight uppercase hex characters.
func newReference() string {
	return domain.ReferencePrefix + strings.ToUpper(uuid.NewString()[:8])
}

// newAccountNumber returns "AC" followed by ten random digits.
func newAccountNumber() (string, error) {
	digits := domain.AccountNumberLength - len(accountNumberPrefix)
	var b strings.Builder
	b.Grow(domain.AccountNumberLength)
	b.WriteString(accountNumberPrefix)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func normalizeReference(reference string) string {
	return strings.ToUpper(strings.TrimSpace(reference))
}

func normalizeAccountNumber(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}
