// Package license unlocks the purchase record the app keeps encrypted in its
// local database and checks that it is genuine and bound to this device.
package license

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"kappari.app/client/internal/crypto"
	"kappari.app/client/internal/logger"
	"kappari.app/client/models"
)

var (
	ErrMalformed        = errors.New("license: malformed blob")
	ErrInvalidSignature = errors.New("license: invalid signature")
	ErrProductMismatch  = errors.New("license: product mismatch")
	ErrDeviceMismatch   = errors.New("license: device mismatch")
	ErrDisabled         = errors.New("license: disabled or refunded")
	ErrNoLicense        = errors.New("license: no purchase records")
)

// Keys are the passwords the app encrypts the two purchase columns with.
type Keys struct {
	DataPassword      string
	SignaturePassword string
	KDF               crypto.KDFParams
}

// SignedLicense pairs the exact signed bytes with their signature.
type SignedLicense struct {
	Payload   []byte
	Signature []byte
	License   models.LicensePayload

	signatureText string
}

// SignatureText is the base64 form sent to the login endpoint.
func (s *SignedLicense) SignatureText() string {
	if s.signatureText != "" {
		return s.signatureText
	}
	return base64.StdEncoding.EncodeToString(s.Signature)
}

// Unlock decrypts a purchase record and runs every check in order:
// signature, product, device, active flags.
func Unlock(encryptedData, encryptedSignature string, keys Keys, publicKey []byte, expectedProductID, deviceID string) (*SignedLicense, error) {
	payload, err := Open(encryptedData, keys.DataPassword, keys.KDF)
	if err != nil {
		return nil, fmt.Errorf("decrypt license data: %w", err)
	}
	sigPlain, err := Open(encryptedSignature, keys.SignaturePassword, keys.KDF)
	if err != nil {
		return nil, fmt.Errorf("decrypt license signature: %w", err)
	}

	var lic models.LicensePayload
	if err := json.Unmarshal(payload, &lic); err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON: %v", ErrMalformed, err)
	}

	signature, signatureText := splitSignature(sigPlain)
	ok, err := crypto.VerifySignature(publicKey, payload, signature)
	if err != nil {
		return nil, fmt.Errorf("verify license: %w", err)
	}
	if !ok {
		return nil, ErrInvalidSignature
	}

	if lic.ProductID != expectedProductID {
		return nil, fmt.Errorf("%w: license is for %q", ErrProductMismatch, lic.ProductID)
	}
	if lic.InstallUID != deviceID {
		return nil, ErrDeviceMismatch
	}
	if !lic.Active() {
		return nil, fmt.Errorf("%w (disabled=%t refunded=%t)", ErrDisabled, lic.Disabled, lic.Refunded)
	}

	logger.Debug("license unlocked", logger.Fields{
		"product_id":  lic.ProductID,
		"license_key": lic.Key,
		"algorithm":   lic.Algorithm,
	})

	return &SignedLicense{
		Payload:       payload,
		Signature:     signature,
		License:       lic,
		signatureText: signatureText,
	}, nil
}

// UnlockAny tries each stored purchase in turn and returns the first that
// passes. If none does, every failure is returned.
func UnlockAny(purchases []models.Purchase, keys Keys, publicKey []byte, expectedProductID, deviceID string) (*SignedLicense, error) {
	if len(purchases) == 0 {
		return nil, ErrNoLicense
	}
	var result *multierror.Error
	for i, p := range purchases {
		lic, err := Unlock(p.Data, p.Signature, keys, publicKey, expectedProductID, deviceID)
		if err == nil {
			return lic, nil
		}
		logger.Warn("purchase record rejected", logger.Fields{"index": i, "product_id": p.ProductID, "error": err})
		result = multierror.Append(result, fmt.Errorf("purchase %d (%s): %w", i, p.ProductID, err))
	}
	return nil, result.ErrorOrNil()
}

// splitSignature returns the raw signature bytes and, when the app stored
// them as base64 text, that text verbatim.
func splitSignature(plain []byte) ([]byte, string) {
	text := strings.TrimSpace(string(plain))
	if text != "" && bytes.Equal([]byte(text), plain) {
		if raw, err := base64.StdEncoding.DecodeString(text); err == nil && len(raw) > 0 {
			return raw, text
		}
	}
	return plain, ""
}
