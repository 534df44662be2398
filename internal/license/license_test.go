package license

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kappari.app/client/internal/crypto"
	"kappari.app/client/models"
)

const (
	testProduct = "com.hindsightlabs.paprika.windows.v3"
	testDevice  = "6F1C2E0A-1111-4C2B-9D1E-0A9B8C7D6E5F"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	der, err := x509.MarshalPKIXPublicKey(&testKey.PublicKey)
	require.NoError(t, err)
	return testKey, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func testKeys() Keys {
	return Keys{DataPassword: "Purchase Data", SignaturePassword: "Purchase Signature", KDF: crypto.DefaultKDF()}
}

// sealedPurchase builds encrypted columns the way the app stores them: the
// payload as given and the signature as base64 text.
func sealedPurchase(t *testing.T, payload string) (data, sig string, pub []byte) {
	priv, pub := signingKey(t)
	digest := sha1.Sum([]byte(payload))
	raw, err := rsa.SignPKCS1v15(rand.Reader, priv, stdcrypto.SHA1, digest[:])
	require.NoError(t, err)

	keys := testKeys()
	data, err = Seal([]byte(payload), keys.DataPassword, nil, keys.KDF)
	require.NoError(t, err)
	sig, err = Seal([]byte(base64.StdEncoding.EncodeToString(raw)), keys.SignaturePassword, nil, keys.KDF)
	require.NoError(t, err)
	return data, sig, pub
}

// Whitespace and key order are deliberate: re-serialising would break the signature.
const validPayload = `{"key":"LICENSE-KEY", "name":"Jo Cook","email":"jo@example.com","product_id":"com.hindsightlabs.paprika.windows.v3","purchase_date":"2025-07-14 20:09:31","disabled":false,"refunded":false,"install_uid":"6F1C2E0A-1111-4C2B-9D1E-0A9B8C7D6E5F","algorithm":1}`

func TestUnlock_Success(t *testing.T) {
	data, sig, pub := sealedPurchase(t, validPayload)

	lic, err := Unlock(data, sig, testKeys(), pub, testProduct, testDevice)
	require.NoError(t, err)

	assert.Equal(t, validPayload, string(lic.Payload), "payload must be the exact signed bytes")
	assert.False(t, lic.License.Disabled)
	assert.Equal(t, "LICENSE-KEY", lic.License.Key)
	assert.Equal(t, 1, lic.License.Algorithm)
	assert.Len(t, lic.Signature, 256)

	sigText, err := Open(sig, testKeys().SignaturePassword, crypto.DefaultKDF())
	require.NoError(t, err)
	assert.Equal(t, string(sigText), lic.SignatureText(), "stored base64 text is sent verbatim")
}

func TestUnlock_DeviceMismatch(t *testing.T) {
	data, sig, pub := sealedPurchase(t, validPayload)

	_, err := Unlock(data, sig, testKeys(), pub, testProduct, "another-device")
	assert.ErrorIs(t, err, ErrDeviceMismatch)
}

func TestUnlock_ProductMismatch(t *testing.T) {
	data, sig, pub := sealedPurchase(t, validPayload)

	_, err := Unlock(data, sig, testKeys(), pub, "com.hindsightlabs.paprika.mac.v3", testDevice)
	assert.ErrorIs(t, err, ErrProductMismatch)
}

func TestUnlock_Disabled(t *testing.T) {
	for _, payload := range []string{
		`{"product_id":"com.hindsightlabs.paprika.windows.v3","install_uid":"6F1C2E0A-1111-4C2B-9D1E-0A9B8C7D6E5F","disabled":true,"refunded":false}`,
		`{"product_id":"com.hindsightlabs.paprika.windows.v3","install_uid":"6F1C2E0A-1111-4C2B-9D1E-0A9B8C7D6E5F","disabled":false,"refunded":true}`,
	} {
		data, sig, pub := sealedPurchase(t, payload)
		_, err := Unlock(data, sig, testKeys(), pub, testProduct, testDevice)
		assert.ErrorIs(t, err, ErrDisabled)
	}
}

func TestUnlock_TamperedPayload(t *testing.T) {
	_, sig, pub := sealedPurchase(t, validPayload)
	forged, err := Seal([]byte(`{"key":"LICENSE-KEY","product_id":"com.hindsightlabs.paprika.windows.v3","install_uid":"6F1C2E0A-1111-4C2B-9D1E-0A9B8C7D6E5F"}`),
		testKeys().DataPassword, nil, crypto.DefaultKDF())
	require.NoError(t, err)

	_, err = Unlock(forged, sig, testKeys(), pub, testProduct, testDevice)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestUnlock_WrongPasswordSurfacesPadding(t *testing.T) {
	data, sig, pub := sealedPurchase(t, validPayload)
	keys := testKeys()
	keys.DataPassword = "Wrong Password"

	_, err := Unlock(data, sig, keys, pub, testProduct, testDevice)
	require.Error(t, err)
	// A wrong key almost always breaks the pad; on the rare clean pad the
	// garbage fails JSON decoding instead.
	if !errors.Is(err, crypto.ErrPadding) && !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected padding or malformed error, got %v", err)
	}
}

func TestUnlock_MalformedInputs(t *testing.T) {
	_, sig, pub := sealedPurchase(t, validPayload)

	_, err := Unlock("%%%not-base64", sig, testKeys(), pub, testProduct, testDevice)
	assert.ErrorIs(t, err, ErrMalformed)

	short := base64.StdEncoding.EncodeToString(make([]byte, 32))
	_, err = Unlock(short, sig, testKeys(), pub, testProduct, testDevice)
	assert.ErrorIs(t, err, ErrMalformed)

	data, _, _ := sealedPurchase(t, validPayload)
	_, err = Unlock(data, sig, testKeys(), []byte("garbage"), testProduct, testDevice)
	assert.ErrorIs(t, err, crypto.ErrSignatureFormat)
}

func TestUnlock_RawSignaturePlaintext(t *testing.T) {
	priv, pub := signingKey(t)
	digest := sha1.Sum([]byte(validPayload))
	raw, err := rsa.SignPKCS1v15(rand.Reader, priv, stdcrypto.SHA1, digest[:])
	require.NoError(t, err)

	keys := testKeys()
	data, err := Seal([]byte(validPayload), keys.DataPassword, nil, keys.KDF)
	require.NoError(t, err)
	sig, err := Seal(raw, keys.SignaturePassword, nil, keys.KDF)
	require.NoError(t, err)

	lic, err := Unlock(data, sig, keys, pub, testProduct, testDevice)
	require.NoError(t, err)
	assert.Equal(t, raw, lic.Signature)
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), lic.SignatureText())
}

func TestUnlockAny(t *testing.T) {
	data, sig, pub := sealedPurchase(t, validPayload)
	otherData, otherSig, _ := sealedPurchase(t, `{"product_id":"com.hindsightlabs.paprika.windows.v3","install_uid":"someone-else"}`)

	lic, err := UnlockAny([]models.Purchase{
		{ProductID: "first", Data: otherData, Signature: otherSig},
		{ProductID: "second", Data: data, Signature: sig},
	}, testKeys(), pub, testProduct, testDevice)
	require.NoError(t, err)
	assert.Equal(t, "LICENSE-KEY", lic.License.Key)

	_, err = UnlockAny([]models.Purchase{{ProductID: "only", Data: otherData, Signature: otherSig}}, testKeys(), pub, testProduct, testDevice)
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	_, err = UnlockAny(nil, testKeys(), pub, testProduct, testDevice)
	assert.ErrorIs(t, err, ErrNoLicense)
}

func TestSealOpenRoundTrip(t *testing.T) {
	kdf := crypto.DefaultKDF()
	blob, err := Seal([]byte(validPayload), "Purchase Data", nil, kdf)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	assert.Zero(t, (len(raw)-kdf.SaltLen)%16)

	plain, err := Open(blob, "Purchase Data", kdf)
	require.NoError(t, err)
	assert.Equal(t, validPayload, string(plain))

	assert.NoError(t, VerifyRoundTrip(blob, "Purchase Data", kdf))
}

func TestSealWithSaltIsDeterministic(t *testing.T) {
	kdf := crypto.DefaultKDF()
	salt := make([]byte, kdf.SaltLen)
	for i := range salt {
		salt[i] = byte(i)
	}
	a, err := Seal([]byte("x"), "pw", salt, kdf)
	require.NoError(t, err)
	b, err := Seal([]byte("x"), "pw", salt, kdf)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = Seal([]byte("x"), "pw", salt[:10], kdf)
	assert.Error(t, err)
}
