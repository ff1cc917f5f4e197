// Package crypto implements server-side randomness helpers for proof generation.
package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandomCode returns a uniformly random decimal code of exactly digits characters,
// left-padded with zeros (e.g. "004217" for digits=6).
func RandomCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("random code: unsupported length %d", digits)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}
