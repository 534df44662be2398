package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const ChangeTokenLen = 64

// GenerateChangeToken hashes a fresh random UUID and returns the digest as
// uppercase hex. The UUID itself is dropped.
func GenerateChangeToken() (string, error) {
	id, err := uuid.NewRandomFromReader(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("change token: %w", err)
	}
	sum := sha256.Sum256([]byte(strings.ToUpper(id.String())))
	return strings.ToUpper(hex.EncodeToString(sum[:])), nil
}

func IsChangeToken(s string) bool {
	if len(s) != ChangeTokenLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
