package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var ErrPadding = errors.New("invalid padding")

// DecryptCBC decrypts AES-CBC ciphertext and strips PKCS#7 padding.
// A bad pad is how a wrong password shows up, so it is always reported.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("cipher: iv length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrPadding, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	n := int(out[len(out)-1])
	if n < 1 || n > block.BlockSize() {
		return nil, fmt.Errorf("%w: pad length %d", ErrPadding, n)
	}
	if !bytes.Equal(out[len(out)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("%w: inconsistent pad bytes", ErrPadding)
	}
	return out[:len(out)-n], nil
}

func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("cipher: iv length %d", len(iv))
	}

	n := block.BlockSize() - len(plaintext)%block.BlockSize()
	padded := make([]byte, len(plaintext), len(plaintext)+n)
	copy(padded, plaintext)
	padded = append(padded, bytes.Repeat([]byte{byte(n)}, n)...)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}
