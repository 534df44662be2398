package crypto

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var ErrSignatureFormat = errors.New("malformed key or signature")

// rsaKeyValue is the XML form .NET uses when exporting RSA public keys.
type rsaKeyValue struct {
	Modulus  string `xml:"Modulus"`
	Exponent string `xml:"Exponent"`
}

// ParsePublicKey accepts a PEM block, PKIX or PKCS#1 DER, or an
// <RSAKeyValue> XML document.
func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty public key", ErrSignatureFormat)
	}
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "<RSAKeyValue>") {
		return parseXMLPublicKey(raw)
	}

	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrSignatureFormat, pub)
		}
		return rsaPub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureFormat, err)
	}
	return pub, nil
}

func parseXMLPublicKey(raw []byte) (*rsa.PublicKey, error) {
	var kv rsaKeyValue
	if err := xml.Unmarshal(raw, &kv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureFormat, err)
	}
	n, err := base64.StdEncoding.DecodeString(kv.Modulus)
	if err != nil || len(n) == 0 {
		return nil, fmt.Errorf("%w: bad modulus", ErrSignatureFormat)
	}
	e, err := base64.StdEncoding.DecodeString(kv.Exponent)
	if err != nil || len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("%w: bad exponent", ErrSignatureFormat)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// VerifySignature checks an RSA PKCS#1 v1.5 SHA-1 signature over message.
// A signature that simply does not match is (false, nil).
func VerifySignature(publicKey, message, signature []byte) (bool, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false, err
	}
	if len(signature) == 0 || len(signature) > pub.Size() {
		return false, fmt.Errorf("%w: signature length %d for %d-bit key", ErrSignatureFormat, len(signature), pub.N.BitLen())
	}

	digest := sha1.Sum(message)
	if err := rsa.VerifyPKCS1v15(pub, stdcrypto.SHA1, digest[:], signature); err != nil {
		return false, nil
	}
	return true, nil
}
