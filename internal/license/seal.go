package license

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"kappari.app/client/internal/crypto"
)

var ErrRoundTripMismatch = errors.New("license: re-encrypted blob differs from original")

// Open decodes a base64 salt||ciphertext blob and decrypts it.
func Open(encrypted, password string, kdf crypto.KDFParams) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	if len(raw) <= kdf.SaltLen {
		return nil, fmt.Errorf("%w: %d bytes, need more than %d", ErrMalformed, len(raw), kdf.SaltLen)
	}
	salt, ciphertext := raw[:kdf.SaltLen], raw[kdf.SaltLen:]

	key, iv, err := crypto.DeriveKeyIV(password, salt, kdf)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptCBC(key, iv, ciphertext)
}

// Seal produces a blob the app can read. A nil salt draws a fresh one.
func Seal(plaintext []byte, password string, salt []byte, kdf crypto.KDFParams) (string, error) {
	if salt == nil {
		salt = make([]byte, kdf.SaltLen)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("salt: %w", err)
		}
	}
	if len(salt) != kdf.SaltLen {
		return "", fmt.Errorf("salt must be %d bytes, got %d", kdf.SaltLen, len(salt))
	}

	key, iv, err := crypto.DeriveKeyIV(password, salt, kdf)
	if err != nil {
		return "", err
	}
	ciphertext, err := crypto.EncryptCBC(key, iv, plaintext)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, len(salt)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// VerifyRoundTrip decrypts a blob and re-seals it with the same salt. An
// exact match shows the parameters in use are the ones the app used.
func VerifyRoundTrip(encrypted, password string, kdf crypto.KDFParams) error {
	plain, err := Open(encrypted, password, kdf)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	resealed, err := Seal(plain, password, raw[:kdf.SaltLen], kdf)
	if err != nil {
		return err
	}
	again, _ := base64.StdEncoding.DecodeString(resealed)
	if !bytes.Equal(raw, again) {
		return ErrRoundTripMismatch
	}
	return nil
}
