package cryptox

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Backup code alphabet. Uppercase alphanumerics minus the characters that
// read ambiguously over the phone (0/O, 1/I/L). 10 characters from a
// 31-symbol alphabet is ~49 bits of entropy, far beyond what the attempt
// throttle window allows an attacker to search.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 10

// GenerateBackupCode returns a single-use recovery code formatted as
// "XXXXX-XXXXX". The plaintext is shown to the user exactly once; only its
// Argon2id hash is ever persisted.
func GenerateBackupCode() (string, error) {
	buf := make([]byte, 0, codeLength+1)
	for i := range codeLength {
		if i == codeLength/2 {
			buf = append(buf, '-')
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("cryptox: failed to generate backup code: %w", err)
		}
		buf = append(buf, codeAlphabet[n.Int64()])
	}
	return string(buf), nil
}
