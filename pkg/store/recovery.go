package store

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
)

const (
	// RecoveryCodeCount is the number of codes issued per account.
	RecoveryCodeCount = 10
	// RecoveryCodeLength is the length of each code.
	RecoveryCodeLength = 16
)

// recoveryCharset is the alphabet recovery codes are drawn from.
const recoveryCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_=+@#"

// GenerateRecoveryCodes returns RecoveryCodeCount distinct codes of
// RecoveryCodeLength characters, sorted for deterministic presentation.
func GenerateRecoveryCodes() ([]string, error) {
	seen := make(map[string]bool, RecoveryCodeCount)
	for len(seen) < RecoveryCodeCount {
		code, err := randomString(RecoveryCodeLength, recoveryCharset)
		if err != nil {
			return nil, err
		}
		seen[code] = true
	}

	codes := make([]string, 0, RecoveryCodeCount)
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

// randomString draws n characters uniformly from charset using crypto/rand.
func randomString(n int, charset string) (string, error) {
	max := big.NewInt(int64(len(charset)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		buf[i] = charset[idx.Int64()]
	}
	return string(buf), nil
}
