package consent

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeGenerator returns a fresh one-time code.
type CodeGenerator func() (string, error)

// NumericCode returns a generator of zero-padded decimal codes drawn
// uniformly from crypto/rand.
func NumericCode(digits int) CodeGenerator {
	if digits <= 0 {
		digits = 6
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	return func() (string, error) {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		return fmt.Sprintf("%0*d", digits, n), nil
	}
}
