package utils

import (
	"crypto/rand"
	"fmt"
)

// base34 drops I and O to keep tokens readable
const base34Table = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// RandToken returns a random base34 string of the given length
func RandToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid length: %d", length)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i := range buf {
		buf[i] = base34Table[buf[i]%byte(len(base34Table))]
	}
	return string(buf), nil
}

// MaskSecret keeps the first four characters of a secret for logs
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
