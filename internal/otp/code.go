package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	defaultCodeLength = 6
	maxCodeLength     = 10
)

var digitRange = big.NewInt(10)

// GenerateCode returns a numeric code of the given length drawn from crypto/rand.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = defaultCodeLength
	}
	if length > maxCodeLength {
		return "", fmt.Errorf("otp length %d exceeds maximum of %d", length, maxCodeLength)
	}

	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, digitRange)
		if err != nil {
			return "", fmt.Errorf("failed to read random digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
