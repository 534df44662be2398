package crypto

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var ErrKeyDerivation = errors.New("key derivation failed")

// KDFParams describes how a stored blob is turned into an AES key and IV.
// The app derives KeyLen+IVLen bytes in one PBKDF2-HMAC-SHA1 call and splits them.
type KDFParams struct {
	SaltLen    int
	Iterations int
	KeyLen     int
	IVLen      int
}

func DefaultKDF() KDFParams {
	return KDFParams{SaltLen: 32, Iterations: 1000, KeyLen: 32, IVLen: 16}
}

func DeriveKey(password, salt []byte, iterations, length int) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: empty password", ErrKeyDerivation)
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("%w: iteration count %d", ErrKeyDerivation, iterations)
	}
	if length <= 0 {
		return nil, fmt.Errorf("%w: output length %d", ErrKeyDerivation, length)
	}
	return pbkdf2.Key(password, salt, iterations, length, sha1.New), nil
}

// DeriveKeyIV returns the key and IV halves of a single derivation.
func DeriveKeyIV(password string, salt []byte, p KDFParams) (key, iv []byte, err error) {
	out, err := DeriveKey([]byte(password), salt, p.Iterations, p.KeyLen+p.IVLen)
	if err != nil {
		return nil, nil, err
	}
	return out[:p.KeyLen], out[p.KeyLen:], nil
}
